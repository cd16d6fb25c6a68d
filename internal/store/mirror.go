package store

import (
	"time"
)

// UpsertMessage writes one durable message into the mirror (idempotent
// on id). Rows are only ever added or refreshed, never removed, so the
// mirror's coverage is monotonically non-decreasing even when a server
// fetch fails or returns a partial window.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, client_tag, sender_id, receiver_id, type, content, timestamp, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_tag = excluded.client_tag,
			content = excluded.content,
			status = excluded.status`,
		m.ID, m.ClientTag, m.SenderID, m.ReceiverID, m.Type, m.Content, m.Timestamp.UnixMilli(), m.Status, now)
	return err
}

// FlushSet writes every durable message in the set to the mirror in one
// transaction. Temp entries stay in the outbox, not the mirror.
func (db *DB) FlushSet(set *Set) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range set.All() {
		if m.Temporary() {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, client_tag, sender_id, receiver_id, type, content, timestamp, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				client_tag = excluded.client_tag,
				content = excluded.content,
				status = excluded.status`,
			m.ID, m.ClientTag, m.SenderID, m.ReceiverID, m.Type, m.Content, m.Timestamp.UnixMilli(), m.Status, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadAll reads every mirrored message, for seeding the in-memory set at
// startup.
func (db *DB) LoadAll() ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, client_tag, sender_id, receiver_id, type, content, timestamp, status
		FROM messages ORDER BY timestamp ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.ClientTag, &m.SenderID, &m.ReceiverID, &m.Type, &m.Content, &ts, &m.Status); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

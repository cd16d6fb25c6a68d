package store

import "time"

// QueueOutbox records a message the pipeline could not confirm, with
// retry count 0. The original timestamp is kept so a later successful
// retry lands in its original position in the conversation.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_tag, receiver_id, content, type, timestamp, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(client_tag) DO NOTHING`,
		e.ClientTag, e.ReceiverID, e.Content, e.Type, e.Timestamp.UnixMilli(), e.LastError, now, now)
	return err
}

// PendingOutbox returns every queued entry, oldest first. The sweep
// filters by retry count; entries past the ceiling stay queued and
// visible for manual retry.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_tag, receiver_id, content, type, timestamp, retry_count, last_error
		FROM outbox ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.ClientTag, &e.ReceiverID, &e.Content, &e.Type, &ts, &e.RetryCount, &e.LastError); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns the entry for a client tag, or nil.
func (db *DB) GetOutbox(clientTag string) (*OutboxEntry, error) {
	row := db.QueryRow(`
		SELECT id, client_tag, receiver_id, content, type, timestamp, retry_count, last_error
		FROM outbox WHERE client_tag = ?`, clientTag)
	var e OutboxEntry
	var ts int64
	if err := row.Scan(&e.ID, &e.ClientTag, &e.ReceiverID, &e.Content, &e.Type, &ts, &e.RetryCount, &e.LastError); err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}

// IncrementOutboxRetry bumps the retry counter after a failed attempt.
func (db *DB) IncrementOutboxRetry(clientTag, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE client_tag = ?`, lastError, now, clientTag)
	return err
}

// RemoveOutbox deletes an entry once a retry confirmed it.
func (db *DB) RemoveOutbox(clientTag string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_tag = ?`, clientTag)
	return err
}

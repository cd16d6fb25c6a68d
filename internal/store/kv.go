package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetKV reads a string value; ok is false when the key is absent.
func (db *DB) GetKV(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetKV writes a string value.
func (db *DB) SetKV(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// DeleteKV removes a key.
func (db *DB) DeleteKV(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

const (
	snapshotKey     = "app_state"
	snapshotVersion = 2
)

// Snapshot is the conversation context persisted across hide/resume and
// process restarts.
type Snapshot struct {
	Version   int       `json:"v"`
	PartnerID string    `json:"partner_id"`
	Watermark time.Time `json:"watermark"`
	SavedAt   time.Time `json:"saved_at"`
}

// SaveSnapshot persists the current conversation context.
func (db *DB) SaveSnapshot(partnerID string, watermark time.Time) error {
	snap := Snapshot{
		Version:   snapshotVersion,
		PartnerID: partnerID,
		Watermark: watermark,
		SavedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return db.SetKV(snapshotKey, string(data))
}

// LoadSnapshot restores the persisted conversation context, or nil if
// none exists. The pre-versioning format was a bare two-element array
// [partnerID, watermark]; it is upgraded in place on first load.
func (db *DB) LoadSnapshot() (*Snapshot, error) {
	raw, ok, err := db.GetKV(snapshotKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var legacy []string
		if err := json.Unmarshal(trimmed, &legacy); err != nil || len(legacy) < 2 {
			return nil, fmt.Errorf("unreadable legacy snapshot: %w", err)
		}
		wm, _ := time.Parse(time.RFC3339Nano, legacy[1])
		snap := &Snapshot{
			Version:   snapshotVersion,
			PartnerID: legacy[0],
			Watermark: wm,
			SavedAt:   time.Now().UTC(),
		}
		if err := db.SaveSnapshot(snap.PartnerID, snap.Watermark); err != nil {
			return nil, err
		}
		return snap, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ClearSnapshot drops the persisted context, used on logout.
func (db *DB) ClearSnapshot() error {
	return db.DeleteKV(snapshotKey)
}

package backend

import (
	"bytes"
	"encoding/json"
	"time"
)

// Session holds the tokens returned by the hosted auth endpoints.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// Profile is a row in the user_profiles table.
type Profile struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasscodeHash string    `json:"passcode_hash,omitempty"`
	IsOnline     bool      `json:"is_online"`
	IsTyping     bool      `json:"is_typing"`
	LastActive   time.Time `json:"last_active"`
}

// RowID is a backend-assigned row identifier. The row store serializes
// ids as numbers; older deployments used uuid strings. Both decode to
// the opaque string form used everywhere client-side.
type RowID string

func (id *RowID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = RowID(n.String())
	return nil
}

// MessageRecord is a row in the messages table. ClientTag is the
// client-supplied correlation id echoed back by inserts and push
// payloads; it is how a confirmation finds its pending local message.
type MessageRecord struct {
	ID         RowID     `json:"id,omitempty"`
	ClientTag  string    `json:"client_tag,omitempty"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

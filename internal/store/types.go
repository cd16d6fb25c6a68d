package store

import (
	"strings"
	"time"
)

// Message statuses. Sending and failed only ever apply to local
// optimistic entries; durable rows arrive as sent or better.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message content types. The type only selects the rendering; delivery
// treats both identically.
const (
	TypeText      = "text"
	TypeEmbedLink = "embed-link"
)

// TempIDPrefix tags locally-generated placeholder ids. A message carries
// either a backend-assigned durable id or exactly one temp id, never both.
const TempIDPrefix = "temp-"

// Message is a single chat message as the client believes it to exist.
type Message struct {
	ID         string
	ClientTag  string
	SenderID   string
	ReceiverID string
	Type       string
	Content    string
	Timestamp  time.Time
	Status     string
}

// Temporary reports whether the message still carries a local
// placeholder id.
func (m *Message) Temporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// InConversation reports whether the message belongs to the conversation
// between a and b, in either direction.
func (m *Message) InConversation(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// OutboxEntry is a message the pipeline attempted to persist and could
// not confirm. It survives restarts; failed sends are either resolved or
// stay visibly failed, never silently dropped.
type OutboxEntry struct {
	ID         int64
	ClientTag  string
	ReceiverID string
	Content    string
	Type       string
	Timestamp  time.Time
	RetryCount int
	LastError  string
}

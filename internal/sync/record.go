package sync

import (
	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/store"
)

// FromRecord converts a backend row into the client-side message form.
// Rows coming off the wire are durable, so they arrive as sent.
func FromRecord(rec backend.MessageRecord) store.Message {
	return store.Message{
		ID:         string(rec.ID),
		ClientTag:  rec.ClientTag,
		SenderID:   rec.SenderID,
		ReceiverID: rec.ReceiverID,
		Type:       rec.Type,
		Content:    rec.Content,
		Timestamp:  rec.Timestamp.UTC(),
		Status:     store.StatusSent,
	}
}

// FromRecords converts a fetched window.
func FromRecords(recs []backend.MessageRecord) []store.Message {
	msgs := make([]store.Message, len(recs))
	for i, rec := range recs {
		msgs[i] = FromRecord(rec)
	}
	return msgs
}

package store

import (
	"sort"
	"sync"
	"time"
)

// Set is the in-memory message set: the single source of truth for what
// messages the client currently believes exist. It reconciles three
// inputs — server fetches, realtime push events, and local optimistic
// writes — behind one mutex so the renderer always sees a consistent
// snapshot.
type Set struct {
	mu      sync.RWMutex
	byID    map[string]*Message
	tagToID map[string]string // client tag -> current id (temp or durable)
}

// NewSet creates an empty message set.
func NewSet() *Set {
	return &Set{
		byID:    make(map[string]*Message),
		tagToID: make(map[string]string),
	}
}

// UpsertResult describes what an Upsert of a durable message did.
type UpsertResult struct {
	Added   bool   // a new durable entry appeared
	Swapped bool   // a pending entry was confirmed in place
	TempID  string // the placeholder id that was swapped out, if any
}

// Upsert merges one durable message into the set. It is idempotent:
// an id already present is overwritten with identical server content and
// reports neither Added nor Swapped. If the message is the confirmation
// of a pending local send — matched by client tag, or by content and
// direction for rows without a tag — the pending entry's identity is
// swapped in place rather than a duplicate being appended. Pending
// entries are never otherwise touched by merges.
func (s *Set) Upsert(msg Message) UpsertResult {
	if msg.Temporary() {
		// Durable input only; optimistic entries go through InsertPending.
		return UpsertResult{}
	}
	if msg.Status == "" || msg.Status == StatusSending {
		msg.Status = StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[msg.ID]; ok {
		keepStatus(existing, &msg)
		*existing = msg
		return UpsertResult{}
	}

	if tempID, ok := s.findPendingLocked(&msg); ok {
		pending := s.byID[tempID]
		delete(s.byID, tempID)
		if msg.ClientTag == "" {
			msg.ClientTag = pending.ClientTag
		}
		m := msg
		s.byID[m.ID] = &m
		if m.ClientTag != "" {
			s.tagToID[m.ClientTag] = m.ID
		}
		return UpsertResult{Swapped: true, TempID: tempID}
	}

	m := msg
	s.byID[m.ID] = &m
	if m.ClientTag != "" {
		s.tagToID[m.ClientTag] = m.ID
	}
	return UpsertResult{Added: true}
}

// keepStatus preserves a further-along local status (delivered/read) when
// the server copy would regress it.
func keepStatus(old *Message, incoming *Message) {
	rank := map[string]int{StatusSending: 0, StatusSent: 1, StatusDelivered: 2, StatusRead: 3}
	if rank[old.Status] > rank[incoming.Status] {
		incoming.Status = old.Status
	}
}

// findPendingLocked locates the pending entry msg confirms, preferring
// the client tag and falling back to content+direction matching.
func (s *Set) findPendingLocked(msg *Message) (string, bool) {
	if msg.ClientTag != "" {
		if id, ok := s.tagToID[msg.ClientTag]; ok {
			if m, present := s.byID[id]; present && m.Temporary() {
				return id, true
			}
		}
	}
	for id, m := range s.byID {
		if m.Temporary() && m.Status != StatusFailed &&
			m.Content == msg.Content &&
			m.SenderID == msg.SenderID && m.ReceiverID == msg.ReceiverID {
			return id, true
		}
	}
	return "", false
}

// Merge applies a batch of durable messages, returning how many were new
// to the set. Merging the same batch twice changes nothing the second
// time.
func (s *Set) Merge(in []Message) int {
	added := 0
	for _, m := range in {
		res := s.Upsert(m)
		if res.Added || res.Swapped {
			added++
		}
	}
	return added
}

// InsertPending inserts an optimistic local message carrying a temp id.
func (s *Set) InsertPending(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.byID[m.ID] = &m
	if m.ClientTag != "" {
		s.tagToID[m.ClientTag] = m.ID
	}
}

// Swap confirms the pending entry tempID in place with the durable
// message. Returns false if the placeholder is already gone — the push
// event and the send confirmation race for this, and whichever arrives
// second must no-op.
func (s *Set) Swap(tempID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.byID[tempID]
	if !ok || !pending.Temporary() {
		return false
	}
	delete(s.byID, tempID)
	if confirmed.Status == "" || confirmed.Status == StatusSending {
		confirmed.Status = StatusSent
	}
	if confirmed.ClientTag == "" {
		confirmed.ClientTag = pending.ClientTag
	}
	m := confirmed
	s.byID[m.ID] = &m
	if m.ClientTag != "" {
		s.tagToID[m.ClientTag] = m.ID
	}
	return true
}

// MarkFailed flips a pending entry to failed. Returns false if the entry
// no longer exists or was already confirmed.
func (s *Set) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[tempID]
	if !ok || !m.Temporary() {
		return false
	}
	m.Status = StatusFailed
	return true
}

// Get returns a copy of the message with the given id.
func (s *Set) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Conversation returns the messages between a and b sorted by timestamp
// ascending, temp entries included. This is the render source.
func (s *Set) Conversation(a, b string) []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		if m.InConversation(a, b) {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// DurableIDs returns the set of durable ids currently known for the
// conversation, for reconciliation diffing.
func (s *Set) DurableIDs(a, b string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, m := range s.byID {
		if !m.Temporary() && m.InConversation(a, b) {
			ids[m.ID] = struct{}{}
		}
	}
	return ids
}

// Watermark returns the newest durable timestamp known for the
// conversation, the lower bound for incremental fetches.
func (s *Set) Watermark(a, b string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var wm time.Time
	for _, m := range s.byID {
		if !m.Temporary() && m.InConversation(a, b) && m.Timestamp.After(wm) {
			wm = m.Timestamp
		}
	}
	return wm
}

// All returns a copy of every message in the set.
func (s *Set) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, *m)
	}
	return out
}

// Len returns the number of messages in the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

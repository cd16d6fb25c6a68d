package store

import (
	"fmt"
	"testing"
	"time"
)

func msg(id, sender, receiver, content string, ts time.Time) Message {
	return Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       TypeText,
		Content:    content,
		Timestamp:  ts,
		Status:     StatusSent,
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s := NewSet()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := []Message{
		msg("1", "alice", "bob", "hey", base),
		msg("2", "bob", "alice", "hi", base.Add(time.Minute)),
		msg("3", "alice", "bob", "how are you", base.Add(2*time.Minute)),
	}

	if added := s.Merge(batch); added != 3 {
		t.Errorf("first merge added %d, want 3", added)
	}
	first := s.Conversation("alice", "bob")

	if added := s.Merge(batch); added != 0 {
		t.Errorf("second merge added %d, want 0", added)
	}
	second := s.Conversation("alice", "bob")

	if len(first) != len(second) {
		t.Fatalf("rendered set changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("position %d: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

func TestMergeNeverRemoves(t *testing.T) {
	s := NewSet()
	base := time.Now().UTC()
	s.Merge([]Message{msg("1", "a", "b", "one", base)})
	// A later partial window without message 1 must not evict it.
	s.Merge([]Message{msg("2", "a", "b", "two", base.Add(time.Second))})

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if _, ok := s.Get("1"); !ok {
		t.Error("message 1 was removed by a later merge")
	}
}

func TestConversationSortedAscending(t *testing.T) {
	s := NewSet()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	// Insert out of order.
	s.Merge([]Message{
		msg("3", "a", "b", "third", base.Add(2*time.Minute)),
		msg("1", "a", "b", "first", base),
		msg("2", "b", "a", "second", base.Add(time.Minute)),
	})

	conv := s.Conversation("a", "b")
	want := []string{"1", "2", "3"}
	for i, m := range conv {
		if m.ID != want[i] {
			t.Errorf("position %d = %q, want %q", i, m.ID, want[i])
		}
	}
}

func TestConversationIsolation(t *testing.T) {
	s := NewSet()
	base := time.Now().UTC()
	s.Merge([]Message{
		msg("1", "me", "x", "for x", base),
		msg("2", "y", "me", "from y", base),
		msg("3", "x", "z", "unrelated", base),
	})

	convX := s.Conversation("me", "x")
	if len(convX) != 1 || convX[0].ID != "1" {
		t.Errorf("conversation with x = %v", convX)
	}
	convY := s.Conversation("me", "y")
	if len(convY) != 1 || convY[0].ID != "2" {
		t.Errorf("conversation with y = %v", convY)
	}
}

func TestIdentitySwapByClientTag(t *testing.T) {
	s := NewSet()
	now := time.Now().UTC()
	pending := Message{
		ID: TempIDPrefix + "abc", ClientTag: "abc",
		SenderID: "me", ReceiverID: "pal",
		Type: TypeText, Content: "hello", Timestamp: now, Status: StatusSending,
	}
	s.InsertPending(pending)

	confirmed := msg("42", "me", "pal", "hello", now)
	confirmed.ClientTag = "abc"
	res := s.Upsert(confirmed)

	if !res.Swapped || res.TempID != TempIDPrefix+"abc" {
		t.Fatalf("Upsert result = %+v, want swap of temp-abc", res)
	}
	if _, ok := s.Get(TempIDPrefix + "abc"); ok {
		t.Error("placeholder still present after swap")
	}
	got, ok := s.Get("42")
	if !ok {
		t.Fatal("durable entry missing after swap")
	}
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if n := len(s.Conversation("me", "pal")); n != 1 {
		t.Errorf("rendered %d messages, want exactly 1 (no duplicate)", n)
	}
}

func TestIdentitySwapRaceEitherOrder(t *testing.T) {
	now := time.Now().UTC()
	mk := func() (*Set, Message) {
		s := NewSet()
		s.InsertPending(Message{
			ID: TempIDPrefix + "t1", ClientTag: "t1",
			SenderID: "me", ReceiverID: "pal",
			Type: TypeText, Content: "race", Timestamp: now, Status: StatusSending,
		})
		confirmed := msg("7", "me", "pal", "race", now)
		confirmed.ClientTag = "t1"
		return s, confirmed
	}

	// Order 1: push event first, then send confirmation.
	s, confirmed := mk()
	if res := s.Upsert(confirmed); !res.Swapped {
		t.Error("push-first: expected swap")
	}
	if s.Swap(TempIDPrefix+"t1", confirmed) {
		t.Error("push-first: late confirmation must no-op")
	}
	if n := s.Len(); n != 1 {
		t.Errorf("push-first: %d entries, want 1", n)
	}

	// Order 2: send confirmation first, then push event.
	s, confirmed = mk()
	if !s.Swap(TempIDPrefix+"t1", confirmed) {
		t.Error("confirm-first: expected swap")
	}
	if res := s.Upsert(confirmed); res.Added || res.Swapped {
		t.Errorf("confirm-first: late push produced %+v, want no-op", res)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("confirm-first: %d entries, want 1", n)
	}
}

func TestSwapFallsBackToContentMatch(t *testing.T) {
	s := NewSet()
	now := time.Now().UTC()
	s.InsertPending(Message{
		ID: TempIDPrefix + "x", ClientTag: "x",
		SenderID: "me", ReceiverID: "pal",
		Type: TypeText, Content: "untagged", Timestamp: now, Status: StatusSending,
	})

	// Server copy without an echoed tag (older backend schema).
	res := s.Upsert(msg("9", "me", "pal", "untagged", now))
	if !res.Swapped {
		t.Errorf("Upsert = %+v, want content-match swap", res)
	}
}

func TestMergeDoesNotTouchFailedPending(t *testing.T) {
	s := NewSet()
	now := time.Now().UTC()
	s.InsertPending(Message{
		ID: TempIDPrefix + "f", ClientTag: "f",
		SenderID: "me", ReceiverID: "pal",
		Type: TypeText, Content: "dup text", Timestamp: now, Status: StatusSending,
	})
	s.MarkFailed(TempIDPrefix + "f")

	// An inbound message with identical text but no tag belongs to a
	// different logical message; the failed entry must stay visible.
	res := s.Upsert(msg("11", "me", "pal", "dup text", now))
	if res.Swapped {
		t.Error("failed pending entry was consumed by content match")
	}
	m, ok := s.Get(TempIDPrefix + "f")
	if !ok || m.Status != StatusFailed {
		t.Errorf("failed entry = %+v, ok=%v", m, ok)
	}
}

func TestWatermarkIgnoresPending(t *testing.T) {
	s := NewSet()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.Merge([]Message{msg("1", "a", "b", "old", base)})
	s.InsertPending(Message{
		ID: TempIDPrefix + "p", SenderID: "a", ReceiverID: "b",
		Content: "newer but pending", Timestamp: base.Add(time.Hour), Status: StatusSending,
	})

	if wm := s.Watermark("a", "b"); !wm.Equal(base) {
		t.Errorf("Watermark = %v, want %v", wm, base)
	}
}

func TestDurableIDs(t *testing.T) {
	s := NewSet()
	now := time.Now().UTC()
	s.Merge([]Message{msg("1", "a", "b", "x", now), msg("2", "a", "b", "y", now)})
	s.InsertPending(Message{ID: TempIDPrefix + "p", SenderID: "a", ReceiverID: "b", Timestamp: now})

	ids := s.DurableIDs("a", "b")
	if len(ids) != 2 {
		t.Errorf("DurableIDs = %v, want 2 entries", ids)
	}
	if _, ok := ids[TempIDPrefix+"p"]; ok {
		t.Error("pending id leaked into durable set")
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	s := NewSet()
	now := time.Now().UTC()
	read := msg("1", "a", "b", "x", now)
	read.Status = StatusRead
	s.Merge([]Message{read})

	// Server copy still says "sent"; local read state must survive.
	s.Merge([]Message{msg("1", "a", "b", "x", now)})
	got, _ := s.Get("1")
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
}

func TestConcurrentMergeConverges(t *testing.T) {
	s := NewSet()
	base := time.Now().UTC()
	batch := make([]Message, 50)
	for i := range batch {
		batch[i] = msg(fmt.Sprint(i), "a", "b", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}

	done := make(chan struct{}, 2)
	// Push and poll merge the same window at overlapping times.
	go func() { s.Merge(batch); done <- struct{}{} }()
	go func() { s.Merge(batch); done <- struct{}{} }()
	<-done
	<-done

	if s.Len() != 50 {
		t.Errorf("Len() = %d, want 50", s.Len())
	}
}

package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/store"
)

func testEngine(t *testing.T) (*Engine, *bus.Bus, *store.Set, *convo.Context, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	set := store.NewSet()
	cc := convo.New("me", b, time.Second, nil)
	e := New(set, db, cc, b, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, b, set, cc, db
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func expectQuiet(t *testing.T, ch <-chan bus.Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %s", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func durable(id, sender, receiver, content string) store.Message {
	return store.Message{
		ID: id, SenderID: sender, ReceiverID: receiver,
		Type: store.TypeText, Content: content,
		Timestamp: time.Now().UTC(), Status: store.StatusSent,
	}
}

func TestPushReachesOpenConversation(t *testing.T) {
	_, b, set, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	b.Publish(bus.E(bus.KindPushInsert, PushInsert{Msg: durable("1", "pal", "me", "hi")}))

	evt := waitEvent(t, events, bus.KindMessageUpserted)
	if evt.Payload.(store.Message).ID != "1" {
		t.Errorf("payload = %+v", evt.Payload)
	}
	if set.Len() != 1 {
		t.Errorf("set holds %d entries", set.Len())
	}
}

func TestPushToClosedConversationBumpsUnread(t *testing.T) {
	_, b, _, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	msgEvents, cancelMsg := b.Subscribe("message.", 16)
	defer cancelMsg()
	unreadEvents, cancelUnread := b.Subscribe("convo.", 16)
	defer cancelUnread()

	b.Publish(bus.E(bus.KindPushInsert, PushInsert{Msg: durable("1", "other", "me", "psst")}))

	evt := waitEvent(t, unreadEvents, bus.KindUnreadChanged)
	change := evt.Payload.(convo.UnreadChange)
	if change.UserID != "other" || change.Count != 1 {
		t.Errorf("unread change = %+v", change)
	}
	expectQuiet(t, msgEvents)
}

func TestOwnMessageInOtherConversationIsSilent(t *testing.T) {
	_, b, _, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	unreadEvents, cancel := b.Subscribe("convo.", 16)
	defer cancel()

	// A copy of my own message to a third party must not count as unread.
	b.Publish(bus.E(bus.KindPushInsert, PushInsert{Msg: durable("1", "me", "other", "mine")}))
	expectQuiet(t, unreadEvents)
}

func TestDuplicateDeliveryCollapses(t *testing.T) {
	_, b, set, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	m := durable("1", "pal", "me", "hi")
	// Same message from push and from an overlapping poll window.
	b.Publish(bus.E(bus.KindPushInsert, PushInsert{Msg: m}))
	b.Publish(bus.E(bus.KindPollResult, PollResult{Msgs: []store.Message{m}}))

	waitEvent(t, events, bus.KindMessageUpserted)
	expectQuiet(t, events)
	if set.Len() != 1 {
		t.Errorf("set holds %d entries, want 1", set.Len())
	}
}

func TestConfirmSwapsPlaceholder(t *testing.T) {
	_, b, set, cc, db := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	set.InsertPending(store.Message{
		ID: store.TempIDPrefix + "t1", ClientTag: "t1",
		SenderID: "me", ReceiverID: "pal",
		Type: store.TypeText, Content: "out", Timestamp: time.Now().UTC(),
		Status: store.StatusSending,
	})
	if err := db.QueueOutbox(&store.OutboxEntry{ClientTag: "t1", ReceiverID: "pal", Content: "out", Type: store.TypeText, Timestamp: time.Now()}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	confirmed := durable("9", "me", "pal", "out")
	confirmed.ClientTag = "t1"
	b.Publish(bus.E(bus.KindSendConfirmed, SendConfirmed{TempID: store.TempIDPrefix + "t1", Msg: confirmed}))

	evt := waitEvent(t, events, bus.KindMessageSwapped)
	swap := evt.Payload.(MessageSwap)
	if swap.TempID != store.TempIDPrefix+"t1" || swap.Msg.ID != "9" {
		t.Errorf("swap = %+v", swap)
	}
	if _, ok := set.Get(store.TempIDPrefix + "t1"); ok {
		t.Error("placeholder survived confirmation")
	}
	// Outbox entry for the tag is resolved.
	deadline := time.Now().Add(time.Second)
	for {
		pending, err := db.PendingOutbox()
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox still holds %d entries", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushBeatsConfirmation(t *testing.T) {
	_, b, set, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	set.InsertPending(store.Message{
		ID: store.TempIDPrefix + "t1", ClientTag: "t1",
		SenderID: "me", ReceiverID: "pal",
		Type: store.TypeText, Content: "fast", Timestamp: time.Now().UTC(),
		Status: store.StatusSending,
	})

	confirmed := durable("9", "me", "pal", "fast")
	confirmed.ClientTag = "t1"

	// Realtime echo lands before the insert response returns.
	b.Publish(bus.E(bus.KindPushInsert, PushInsert{Msg: confirmed}))
	b.Publish(bus.E(bus.KindSendConfirmed, SendConfirmed{TempID: store.TempIDPrefix + "t1", Msg: confirmed}))

	waitEvent(t, events, bus.KindMessageSwapped)
	expectQuiet(t, events)
	if set.Len() != 1 {
		t.Errorf("set holds %d entries, want 1", set.Len())
	}
}

func TestSendFailureMarksPlaceholder(t *testing.T) {
	_, b, set, cc, _ := testEngine(t)
	cc.Select(&backend.Profile{ID: "pal"})
	events, cancel := b.Subscribe("message.", 16)
	defer cancel()

	set.InsertPending(store.Message{
		ID: store.TempIDPrefix + "t1", ClientTag: "t1",
		SenderID: "me", ReceiverID: "pal",
		Type: store.TypeText, Content: "doomed", Timestamp: time.Now().UTC(),
		Status: store.StatusSending,
	})

	b.Publish(bus.E(bus.KindSendFailed, SendFailed{TempID: store.TempIDPrefix + "t1", Reason: "network unreachable"}))

	evt := waitEvent(t, events, bus.KindMessageFailed)
	failure := evt.Payload.(MessageFailure)
	if failure.TempID != store.TempIDPrefix+"t1" {
		t.Errorf("failure = %+v", failure)
	}
	m, ok := set.Get(store.TempIDPrefix + "t1")
	if !ok || m.Status != store.StatusFailed {
		t.Errorf("placeholder = %+v ok=%v", m, ok)
	}
}

package lifecycle

import (
	"context"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/store"
	"github.com/tallychat/tally/internal/sync"
)

type fakeChannels struct {
	mu   gosync.Mutex
	live bool
	arms int
}

func (f *fakeChannels) Arm(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms++
	f.live = true
	return nil
}

func (f *fakeChannels) HasSubscriptions() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

type fakeBackend struct {
	profiles []backend.Profile
	recs     []backend.MessageRecord
}

func (f *fakeBackend) ListProfiles(ctx context.Context, excludeID string) ([]backend.Profile, error) {
	return f.profiles, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, a, b string, after time.Time) ([]backend.MessageRecord, error) {
	return f.recs, nil
}

func testCoordinator(t *testing.T) (*Coordinator, *fakeChannels, *fakeBackend, *bus.Bus, *store.Set, *convo.Context, *store.DB) {
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
	ch := &fakeChannels{}
	be := &fakeBackend{}
	c := New(db, set, cc, ch, be, be, b, zap.NewNop(), 50*time.Millisecond)
	return c, ch, be, b, set, cc, db
}

func durable(id, sender, receiver, content string, ts time.Time) store.Message {
	return store.Message{
		ID: id, SenderID: sender, ReceiverID: receiver,
		Type: store.TypeText, Content: content, Timestamp: ts, Status: store.StatusSent,
	}
}

func TestHiddenSavesSnapshotAndFlushes(t *testing.T) {
	c, _, _, b, set, cc, db := testCoordinator(t)
	events, cancel := b.Subscribe("lifecycle.", 16)
	defer cancel()

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cc.Select(&backend.Profile{ID: "pal"})
	set.Merge([]store.Message{durable("1", "pal", "me", "hi", ts)})

	c.Hidden(context.Background())

	snap, err := db.LoadSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
	if snap.PartnerID != "pal" || !snap.Watermark.Equal(ts) {
		t.Errorf("snapshot = %+v", snap)
	}

	mirrored, err := db.LoadAll()
	if err != nil || len(mirrored) != 1 {
		t.Errorf("mirror = %v, %v", mirrored, err)
	}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindHidden {
			t.Errorf("event = %s", evt.Kind)
		}
	default:
		t.Error("no hidden event")
	}
}

func TestVisibleRearmsDeadChannels(t *testing.T) {
	c, ch, _, b, _, _, _ := testCoordinator(t)
	events, cancel := b.Subscribe("lifecycle.", 16)
	defer cancel()

	c.Visible(context.Background())
	if ch.arms != 1 {
		t.Errorf("armed %d times, want 1", ch.arms)
	}

	// Live channels are left alone.
	c.Visible(context.Background())
	if ch.arms != 1 {
		t.Errorf("armed %d times with live channels, want still 1", ch.arms)
	}

	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			if evt.Kind != bus.KindVisible {
				t.Errorf("event = %s", evt.Kind)
			}
		default:
			t.Error("missing visible event")
		}
	}
}

func TestReconcileFeedsOnlyMissing(t *testing.T) {
	c, _, be, b, set, cc, _ := testCoordinator(t)
	events, cancel := b.Subscribe("delivery.", 16)
	defer cancel()

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cc.Select(&backend.Profile{ID: "pal"})
	set.Merge([]store.Message{durable("1", "pal", "me", "have it", ts)})
	be.recs = []backend.MessageRecord{
		{ID: "1", SenderID: "pal", ReceiverID: "me", Type: store.TypeText, Content: "have it", Timestamp: ts},
		{ID: "2", SenderID: "pal", ReceiverID: "me", Type: store.TypeText, Content: "missed while asleep", Timestamp: ts.Add(time.Minute)},
	}

	c.Reconcile(context.Background())

	select {
	case evt := <-events:
		result := evt.Payload.(sync.PollResult)
		if len(result.Msgs) != 1 || result.Msgs[0].ID != "2" {
			t.Errorf("reconciled window = %+v", result.Msgs)
		}
	default:
		t.Fatal("no poll result published")
	}
}

func TestReconcileQuietWhenComplete(t *testing.T) {
	c, _, be, b, set, cc, _ := testCoordinator(t)
	events, cancel := b.Subscribe("delivery.", 16)
	defer cancel()

	ts := time.Now().UTC()
	cc.Select(&backend.Profile{ID: "pal"})
	set.Merge([]store.Message{durable("1", "pal", "me", "hi", ts)})
	be.recs = []backend.MessageRecord{
		{ID: "1", SenderID: "pal", ReceiverID: "me", Type: store.TypeText, Content: "hi", Timestamp: ts},
	}

	c.Reconcile(context.Background())

	select {
	case evt := <-events:
		t.Errorf("unexpected event %s", evt.Kind)
	default:
	}
}

func TestRestoreReopensSavedConversation(t *testing.T) {
	c, _, be, _, set, cc, db := testCoordinator(t)

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := durable("1", "pal", "me", "mirrored", ts)
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	if err := db.SaveSnapshot("pal", ts); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	be.profiles = []backend.Profile{{ID: "pal", Username: "pal"}}

	if err := c.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if cc.PartnerID() != "pal" {
		t.Errorf("partner = %q, want pal", cc.PartnerID())
	}
	if _, ok := set.Get("1"); !ok {
		t.Error("mirror seed missing from set")
	}
}

func TestRestoreDropsVanishedPartner(t *testing.T) {
	c, _, be, _, _, cc, db := testCoordinator(t)
	if err := db.SaveSnapshot("ghost", time.Now()); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	be.profiles = []backend.Profile{{ID: "someone-else"}}

	if err := c.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if cc.PartnerID() != "" {
		t.Errorf("partner = %q, want none", cc.PartnerID())
	}
	if snap, _ := db.LoadSnapshot(); snap != nil {
		t.Error("stale snapshot survived")
	}
}

func TestGuardStartupForcesAfterDeadline(t *testing.T) {
	c, _, _, _, _, _, _ := testCoordinator(t)

	var forced atomic.Bool
	done := make(chan struct{})
	c.GuardStartup(done, func() { forced.Store(true) })

	time.Sleep(120 * time.Millisecond)
	if !forced.Load() {
		t.Error("startup guard never fired")
	}
}

func TestGuardStartupFiresAgainIfStillStuck(t *testing.T) {
	c, _, _, _, _, _, _ := testCoordinator(t)

	var forced atomic.Int32
	done := make(chan struct{})
	c.GuardStartup(done, func() { forced.Add(1) })

	time.Sleep(150 * time.Millisecond)
	if got := forced.Load(); got != 2 {
		t.Errorf("force count = %d, want 2", got)
	}
}

func TestGuardStartupSecondStageDisarms(t *testing.T) {
	c, _, _, _, _, _, _ := testCoordinator(t)

	var forced atomic.Int32
	done := make(chan struct{})
	c.GuardStartup(done, func() { forced.Add(1) })

	time.Sleep(60 * time.Millisecond)
	close(done)
	time.Sleep(90 * time.Millisecond)
	if got := forced.Load(); got != 1 {
		t.Errorf("force count = %d, want 1", got)
	}
}

func TestGuardStartupDisarmsWhenDone(t *testing.T) {
	c, _, _, _, _, _, _ := testCoordinator(t)

	var forced atomic.Bool
	done := make(chan struct{})
	c.GuardStartup(done, func() { forced.Store(true) })
	close(done)

	time.Sleep(120 * time.Millisecond)
	if forced.Load() {
		t.Error("startup guard fired after completion")
	}
}

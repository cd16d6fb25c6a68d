package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/store"
	"github.com/tallychat/tally/internal/sync"
)

// Channels is the slice of the channel supervisor the coordinator drives.
type Channels interface {
	Arm(ctx context.Context) error
	HasSubscriptions() bool
}

// Roster lists profiles, for re-resolving the saved partner on restore.
type Roster interface {
	ListProfiles(ctx context.Context, excludeID string) ([]backend.Profile, error)
}

// Fetcher fetches a conversation window, for reconciliation.
type Fetcher interface {
	ListMessages(ctx context.Context, a, b string, after time.Time) ([]backend.MessageRecord, error)
}

// Coordinator handles the hide/resume cycle and startup recovery. Hiding
// persists everything worth keeping; resuming re-arms delivery and
// reconciles the local set against the server so nothing that was
// rendered before a suspend can be missing after it.
type Coordinator struct {
	db       *store.DB
	set      *store.Set
	convo    *convo.Context
	channels Channels
	roster   Roster
	fetcher  Fetcher
	bus      *bus.Bus
	logger   *zap.Logger

	initTimeout time.Duration
}

// New creates a coordinator.
func New(db *store.DB, set *store.Set, cc *convo.Context, channels Channels, roster Roster, fetcher Fetcher, b *bus.Bus, logger *zap.Logger, initTimeout time.Duration) *Coordinator {
	return &Coordinator{
		db:          db,
		set:         set,
		convo:       cc,
		channels:    channels,
		roster:      roster,
		fetcher:     fetcher,
		bus:         b,
		logger:      logger,
		initTimeout: initTimeout,
	}
}

// Hidden runs when the app loses the foreground: snapshot the open
// conversation, flush the set to the mirror, and let the rest of the
// system know.
func (c *Coordinator) Hidden(ctx context.Context) {
	partner := c.convo.PartnerID()
	if partner != "" {
		wm := c.set.Watermark(c.convo.SelfID(), partner)
		if err := c.db.SaveSnapshot(partner, wm); err != nil {
			c.logger.Warn("snapshot save failed", zap.Error(err))
		}
	}
	if err := c.db.FlushSet(c.set); err != nil {
		c.logger.Warn("mirror flush failed", zap.Error(err))
	}
	c.logger.Info("app hidden", zap.String("partner", partner))
	c.bus.Publish(bus.E(bus.KindHidden, nil))
}

// Visible runs when the app returns to the foreground. Channels that
// died during the suspend get re-armed, and the open conversation is
// reconciled against the server.
func (c *Coordinator) Visible(ctx context.Context) {
	if !c.channels.HasSubscriptions() {
		c.logger.Info("channels gone after suspend, re-arming")
		if err := c.channels.Arm(ctx); err != nil {
			c.logger.Warn("re-arm failed", zap.Error(err))
		}
	}
	c.Reconcile(ctx)
	c.bus.Publish(bus.E(bus.KindVisible, nil))
}

// Restore rebuilds state at startup: seed the set from the mirror,
// reopen the conversation the last run had open, and reconcile it.
func (c *Coordinator) Restore(ctx context.Context) error {
	mirrored, err := c.db.LoadAll()
	if err != nil {
		return err
	}
	if n := c.set.Merge(mirrored); n > 0 {
		c.logger.Info("seeded from mirror", zap.Int("messages", n))
	}

	snap, err := c.db.LoadSnapshot()
	if err != nil {
		c.logger.Warn("snapshot unreadable, starting clean", zap.Error(err))
		return nil
	}
	if snap == nil || snap.PartnerID == "" {
		return nil
	}

	// The saved partner id is only trusted if it still resolves against
	// a fresh roster.
	profiles, err := c.roster.ListProfiles(ctx, c.convo.SelfID())
	if err != nil {
		c.logger.Warn("roster fetch failed during restore", zap.Error(err))
		return nil
	}
	for i := range profiles {
		if profiles[i].ID == snap.PartnerID {
			c.convo.Select(&profiles[i])
			c.logger.Info("conversation restored",
				zap.String("partner", snap.PartnerID),
				zap.Time("watermark", snap.Watermark))
			c.Reconcile(ctx)
			return nil
		}
	}
	c.logger.Info("saved partner no longer on roster", zap.String("partner", snap.PartnerID))
	_ = c.db.ClearSnapshot()
	return nil
}

// Reconcile fetches the full server window for the open conversation
// and feeds whatever the local set is missing through the delivery bus.
// Messages the set already holds are left alone, so reconciliation can
// only add.
func (c *Coordinator) Reconcile(ctx context.Context) {
	partner := c.convo.PartnerID()
	if partner == "" {
		return
	}
	self := c.convo.SelfID()

	recs, err := c.fetcher.ListMessages(ctx, self, partner, time.Time{})
	if err != nil {
		c.logger.Warn("reconciliation fetch failed", zap.Error(err))
		return
	}

	have := c.set.DurableIDs(self, partner)
	var missing []store.Message
	for _, rec := range recs {
		if _, ok := have[string(rec.ID)]; !ok {
			missing = append(missing, sync.FromRecord(rec))
		}
	}
	if len(missing) == 0 {
		return
	}
	c.logger.Info("reconciliation filled gaps", zap.Int("messages", len(missing)))
	c.bus.Publish(bus.E(bus.KindPollResult, sync.PollResult{Msgs: missing}))
}

// GuardStartup forces the app out of its loading state if startup does
// not finish inside the deadline, and fires once more half a deadline
// later in case the first force was swallowed by a wedged event loop.
// Close done to disarm.
func (c *Coordinator) GuardStartup(done <-chan struct{}, force func()) {
	go func() {
		select {
		case <-done:
			return
		case <-time.After(c.initTimeout):
			c.logger.Warn("startup incomplete past deadline, forcing out of loading",
				zap.Duration("deadline", c.initTimeout))
			force()
		}
		select {
		case <-done:
		case <-time.After(c.initTimeout / 2):
			c.logger.Warn("startup still incomplete, forcing again")
			force()
		}
	}()
}

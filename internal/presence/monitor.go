package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tallychat/tally/internal/bus"
)

// Prober measures one authenticated round trip to the backend.
type Prober interface {
	ProbeLatency(ctx context.Context, selfID string) (time.Duration, error)
}

// ProfileWriter pushes presence fields to the caller's profile row.
type ProfileWriter interface {
	UpdateProfile(ctx context.Context, id string, fields map[string]any) error
	Beacon(path string, body any)
}

// Monitor probes the backend on a fixed cadence, grades the link, and
// publishes transitions. It also owns the is_online profile bit, rate
// limited so focus flapping cannot turn into a write storm.
type Monitor struct {
	prober  Prober
	writer  ProfileWriter
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string
	limiter *rate.Limiter

	probeInterval time.Duration
	goodBelow     time.Duration
	poorBelow     time.Duration

	mu      sync.Mutex
	current Quality

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for the signed-in user. cooldown spaces
// consecutive is_online writes.
func New(prober Prober, writer ProfileWriter, b *bus.Bus, logger *zap.Logger, selfID string, probeInterval, cooldown, goodBelow, poorBelow time.Duration) *Monitor {
	return &Monitor{
		prober:        prober,
		writer:        writer,
		bus:           b,
		logger:        logger,
		selfID:        selfID,
		limiter:       rate.NewLimiter(rate.Every(cooldown), 1),
		probeInterval: probeInterval,
		goodBelow:     goodBelow,
		poorBelow:     poorBelow,
		current:       QualityGood,
	}
}

// Current returns the last graded quality.
func (m *Monitor) Current() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start runs the probe loop and follows visibility transitions until
// Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	events, unsub := m.bus.Subscribe("lifecycle.", 16)

	go func() {
		defer close(m.done)
		defer unsub()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			case evt := <-events:
				switch evt.Kind {
				case bus.KindHidden:
					m.SetOnline(ctx, false)
				case bus.KindVisible:
					m.SetOnline(ctx, true)
					m.Probe(ctx)
				}
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Probe measures one round trip and publishes a transition if the grade
// moved.
func (m *Monitor) Probe(ctx context.Context) Quality {
	rtt, err := m.prober.ProbeLatency(ctx, m.selfID)
	next := Classify(rtt, err, m.goodBelow, m.poorBelow)

	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()

	if next == prev {
		return next
	}
	m.logger.Info("link quality changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.Duration("rtt", rtt))
	m.bus.Publish(bus.E(bus.KindQualityChanged, QualityChange{From: prev, To: next}))
	return next
}

// SetOnline writes the is_online bit, subject to the cooldown. Skipped
// writes are fine: the next allowed transition carries the truth.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	if !m.limiter.Allow() {
		return
	}
	err := m.writer.UpdateProfile(ctx, m.selfID, map[string]any{
		"is_online":   online,
		"last_active": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.Warn("presence write failed", zap.Bool("online", online), zap.Error(err))
	}
}

// BeaconOffline fires the best-effort going-offline write used during
// teardown, where a normal request cannot be awaited.
func (m *Monitor) BeaconOffline() {
	m.writer.Beacon("/rest/v1/user_profiles?on_conflict=id", map[string]any{
		"id":          m.selfID,
		"is_online":   false,
		"last_active": time.Now().UTC().Format(time.RFC3339),
	})
}

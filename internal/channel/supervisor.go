package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/presence"
	"github.com/tallychat/tally/internal/store"
	intsync "github.com/tallychat/tally/internal/sync"
)

// Closer is the handle to a live realtime subscription.
type Closer interface {
	Close()
}

// SubscribeFunc opens one realtime channel. Matches backend.Client.Subscribe.
type SubscribeFunc func(ctx context.Context, name, table, action string, onChange backend.ChangeHandler, onStatus backend.StatusHandler) (Closer, error)

// Lister fetches a conversation window, for the polling fallback.
type Lister interface {
	ListMessages(ctx context.Context, a, b string, after time.Time) ([]backend.MessageRecord, error)
}

// Status is the payload of channel.status events.
type Status struct {
	Name   string
	Status backend.SubStatus
}

// maxPollInterval caps the failure backoff so a long outage still gets
// probed regularly.
const maxPollInterval = time.Minute

// Supervisor owns the push channels and the polling fallback. Push is
// the primary delivery path; polling arms when a channel errors, when a
// channel fails to confirm within the arm delay, or when link quality
// degrades. Either path lands in the same delivery events, so double
// delivery is harmless.
type Supervisor struct {
	subscribe SubscribeFunc
	lister    Lister
	set       *store.Set
	convo     *convo.Context
	bus       *bus.Bus
	logger    *zap.Logger

	subscribeDelay time.Duration
	pollArmDelay   time.Duration
	pollInterval   time.Duration

	mu            sync.Mutex
	subs          []Closer
	msgSubscribed bool
	pollCancel    context.CancelFunc
	pollDone      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor. subscribeDelay spaces a re-arm from the
// previous teardown; pollArmDelay is how long an unconfirmed channel
// gets before the fallback starts.
func New(subscribe SubscribeFunc, lister Lister, set *store.Set, cc *convo.Context, b *bus.Bus, logger *zap.Logger, subscribeDelay, pollArmDelay, pollInterval time.Duration) *Supervisor {
	return &Supervisor{
		subscribe:      subscribe,
		lister:         lister,
		set:            set,
		convo:          cc,
		bus:            b,
		logger:         logger,
		subscribeDelay: subscribeDelay,
		pollArmDelay:   pollArmDelay,
		pollInterval:   pollInterval,
	}
}

// Start watches link quality until Stop or ctx cancellation. Degraded
// quality arms the polling fallback; recovery triggers an immediate
// resync to cover whatever the dead channel missed.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	events, unsub := s.bus.Subscribe(bus.KindQualityChanged, 16)

	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				change, ok := evt.Payload.(presence.QualityChange)
				if !ok {
					continue
				}
				switch {
				case change.To.Degraded():
					s.StartPolling(ctx)
				case change.To == presence.QualityGood:
					s.Resync(ctx)
					if s.HasSubscriptions() {
						s.StopPolling()
					}
				}
			}
		}
	}()
}

// Stop halts the quality watcher and tears everything down.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.Teardown()
}

// Arm tears down any existing channels and opens fresh ones for message
// inserts and profile changes. Channel names are unique per arm so a
// server-side channel still closing from the previous cycle cannot
// collide with the new one.
func (s *Supervisor) Arm(ctx context.Context) error {
	s.Teardown()
	if s.subscribeDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.subscribeDelay):
		}
	}

	msgName := "messages-" + uuid.NewString()[:8]
	msgSub, err := s.subscribe(ctx, msgName, "messages", "INSERT", s.onMessageChange, func(st backend.SubStatus) {
		s.onStatus(ctx, msgName, st, true)
	})
	if err != nil {
		s.logger.Warn("message channel failed to open", zap.Error(err))
		s.StartPolling(ctx)
		return err
	}

	profName := "profiles-" + uuid.NewString()[:8]
	profSub, err := s.subscribe(ctx, profName, "user_profiles", "*", s.onProfileChange, func(st backend.SubStatus) {
		s.onStatus(ctx, profName, st, false)
	})
	if err != nil {
		// Roster updates degrade to poll-time refreshes; message flow
		// still works on the message channel alone.
		s.logger.Warn("profile channel failed to open", zap.Error(err))
		profSub = nil
	}

	s.mu.Lock()
	s.subs = append(s.subs, msgSub)
	if profSub != nil {
		s.subs = append(s.subs, profSub)
	}
	s.msgSubscribed = false
	s.mu.Unlock()

	if s.pollArmDelay > 0 {
		time.AfterFunc(s.pollArmDelay, func() {
			s.mu.Lock()
			confirmed := s.msgSubscribed
			s.mu.Unlock()
			if !confirmed && ctx.Err() == nil {
				s.logger.Info("channel unconfirmed past arm delay, polling")
				s.StartPolling(ctx)
			}
		})
	}
	return nil
}

// Teardown closes every open channel and stops the fallback.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.msgSubscribed = false
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	s.StopPolling()
}

// HasSubscriptions reports whether any channel is currently open. The
// recovery coordinator uses this to decide whether a resume needs a
// full re-arm.
func (s *Supervisor) HasSubscriptions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

func (s *Supervisor) onMessageChange(evt backend.ChangeEvent) {
	var rec backend.MessageRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		s.logger.Warn("undecodable push record", zap.Error(err))
		return
	}
	self := s.convo.SelfID()
	if rec.SenderID != self && rec.ReceiverID != self {
		return
	}
	s.bus.Publish(bus.E(bus.KindPushInsert, intsync.PushInsert{Msg: intsync.FromRecord(rec)}))
}

func (s *Supervisor) onProfileChange(evt backend.ChangeEvent) {
	var p backend.Profile
	if err := json.Unmarshal(evt.Record, &p); err != nil {
		s.logger.Warn("undecodable profile record", zap.Error(err))
		return
	}
	s.bus.Publish(bus.E(bus.KindRosterChanged, p))
}

func (s *Supervisor) onStatus(ctx context.Context, name string, st backend.SubStatus, isMessages bool) {
	s.bus.Publish(bus.E(bus.KindChannelStatus, Status{Name: name, Status: st}))
	if !isMessages {
		return
	}
	switch st {
	case backend.SubSubscribed:
		s.mu.Lock()
		s.msgSubscribed = true
		s.mu.Unlock()
		s.logger.Info("message channel live", zap.String("channel", name))
		s.StopPolling()
	case backend.SubError:
		s.mu.Lock()
		s.msgSubscribed = false
		s.mu.Unlock()
		s.logger.Warn("message channel errored", zap.String("channel", name))
		if ctx.Err() == nil {
			s.StartPolling(ctx)
		}
	}
}

// StartPolling begins the fetch loop. A no-op if already polling. Fetch
// failures widen the interval up to a ceiling; a success snaps it back.
func (s *Supervisor) StartPolling(ctx context.Context) {
	s.mu.Lock()
	if s.pollCancel != nil {
		s.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	done := make(chan struct{})
	s.pollDone = done
	s.mu.Unlock()

	s.logger.Info("polling fallback armed", zap.Duration("interval", s.pollInterval))
	go func() {
		defer close(done)
		delay := s.pollInterval
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(delay):
			}
			if err := s.pollOnce(pollCtx); err != nil {
				delay *= 2
				if delay > maxPollInterval {
					delay = maxPollInterval
				}
				s.logger.Warn("poll failed", zap.Duration("next_in", delay), zap.Error(err))
				continue
			}
			delay = s.pollInterval
		}
	}()
}

// StopPolling halts the fetch loop if running.
func (s *Supervisor) StopPolling() {
	s.mu.Lock()
	cancel := s.pollCancel
	done := s.pollDone
	s.pollCancel = nil
	s.pollDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Polling reports whether the fallback loop is running.
func (s *Supervisor) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCancel != nil
}

// Resync fetches everything newer than the watermark right now, outside
// the poll cadence. Used when quality recovers or the app resumes.
func (s *Supervisor) Resync(ctx context.Context) {
	if err := s.pollOnce(ctx); err != nil {
		s.logger.Warn("resync failed", zap.Error(err))
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) error {
	partner := s.convo.PartnerID()
	if partner == "" {
		return nil
	}
	self := s.convo.SelfID()
	recs, err := s.lister.ListMessages(ctx, self, partner, s.set.Watermark(self, partner))
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	s.bus.Publish(bus.E(bus.KindPollResult, intsync.PollResult{Msgs: intsync.FromRecords(recs)}))
	return nil
}

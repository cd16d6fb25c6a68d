package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/store"
)

// Payloads for the "delivery." namespace. Push, poll, and send
// confirmations all funnel through the engine so the message set has a
// single writer ordering every mutation.
type (
	// PushInsert carries one message delivered over the realtime channel.
	PushInsert struct {
		Msg store.Message
	}

	// PollResult carries a window fetched by the polling fallback or a
	// recovery resync.
	PollResult struct {
		Msgs []store.Message
	}

	// SendConfirmed reports that the pipeline persisted a message and
	// received its durable row back.
	SendConfirmed struct {
		TempID string
		Msg    store.Message
	}

	// SendFailed reports that the pipeline exhausted its attempts.
	SendFailed struct {
		TempID string
		Reason string
	}
)

// Payloads for the "message." namespace, consumed by the renderer.
type (
	MessageSwap struct {
		TempID string
		Msg    store.Message
	}

	MessageFailure struct {
		TempID string
		Reason string
	}
)

// Engine reconciles every inbound mutation into the message set and the
// durable mirror. Duplicates collapse in store.Set.Upsert, so push and
// poll can overlap freely.
type Engine struct {
	set    *store.Set
	db     *store.DB
	convo  *convo.Context
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over the given set and mirror.
func New(set *store.Set, db *store.DB, cc *convo.Context, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{set: set, db: db, convo: cc, bus: b, logger: logger}
}

// Start begins consuming delivery events until Stop or ctx cancellation.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	events, unsub := e.bus.Subscribe("delivery.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				e.handle(evt)
			}
		}
	}()
}

// Stop halts the engine and waits for the consumer to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case PushInsert:
		e.apply(p.Msg)
	case PollResult:
		for _, m := range p.Msgs {
			e.apply(m)
		}
	case SendConfirmed:
		e.confirm(p.TempID, p.Msg)
	case SendFailed:
		e.fail(p.TempID, p.Reason)
	default:
		e.logger.Warn("unrecognized delivery payload", zap.String("kind", evt.Kind))
	}
}

// apply merges one durable message, routing the outcome: a swap resolves
// an in-flight send, a new message in the open conversation goes to the
// renderer, and a new message elsewhere bumps the unread counter.
func (e *Engine) apply(m store.Message) {
	res := e.set.Upsert(m)
	if !res.Added && !res.Swapped {
		return
	}

	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Warn("mirror write failed", zap.String("id", m.ID), zap.Error(err))
	}

	if res.Swapped {
		if m.ClientTag != "" {
			if err := e.db.RemoveOutbox(m.ClientTag); err != nil {
				e.logger.Warn("outbox cleanup failed", zap.String("tag", m.ClientTag), zap.Error(err))
			}
		}
		e.bus.Publish(bus.E(bus.KindMessageSwapped, MessageSwap{TempID: res.TempID, Msg: m}))
		return
	}

	partner := e.convo.PartnerID()
	self := e.convo.SelfID()
	if partner != "" && m.InConversation(self, partner) {
		e.bus.Publish(bus.E(bus.KindMessageUpserted, m))
		return
	}
	if m.SenderID != self {
		e.convo.IncrementUnread(m.SenderID)
	}
}

// confirm swaps the optimistic placeholder for its durable row. When the
// realtime push already swapped it, the late confirmation is a no-op.
func (e *Engine) confirm(tempID string, m store.Message) {
	if !e.set.Swap(tempID, m) {
		return
	}
	if err := e.db.UpsertMessage(&m); err != nil {
		e.logger.Warn("mirror write failed", zap.String("id", m.ID), zap.Error(err))
	}
	if m.ClientTag != "" {
		if err := e.db.RemoveOutbox(m.ClientTag); err != nil {
			e.logger.Warn("outbox cleanup failed", zap.String("tag", m.ClientTag), zap.Error(err))
		}
	}
	e.bus.Publish(bus.E(bus.KindMessageSwapped, MessageSwap{TempID: tempID, Msg: m}))
}

func (e *Engine) fail(tempID, reason string) {
	if !e.set.MarkFailed(tempID) {
		return
	}
	e.logger.Info("send failed", zap.String("temp_id", tempID), zap.String("reason", reason))
	e.bus.Publish(bus.E(bus.KindMessageFailed, MessageFailure{TempID: tempID, Reason: reason}))
}

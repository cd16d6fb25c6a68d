package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/send"
	"github.com/tallychat/tally/internal/store"
	"github.com/tallychat/tally/internal/sync"
)

// retryCeiling caps automatic retries per entry. Entries past the
// ceiling stay queued and visibly failed until the user retries by hand.
const retryCeiling = 3

// Queue periodically re-attempts messages the pipeline could not
// deliver. Successful retries resolve through the same delivery events
// as a first-time send, so the renderer sees no difference.
type Queue struct {
	db       *store.DB
	inserter send.Inserter
	convo    *convo.Context
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a retry queue sweeping at the given interval.
func New(db *store.DB, inserter send.Inserter, cc *convo.Context, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Queue {
	return &Queue{db: db, inserter: inserter, convo: cc, bus: b, logger: logger, interval: interval}
}

// Start runs the sweep loop until Stop or ctx cancellation.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

// Sweep re-attempts every queued entry still under the retry ceiling.
func (q *Queue) Sweep(ctx context.Context) {
	entries, err := q.db.PendingOutbox()
	if err != nil {
		q.logger.Warn("outbox read failed", zap.Error(err))
		return
	}
	for i := range entries {
		e := &entries[i]
		if e.RetryCount > retryCeiling {
			continue
		}
		q.attempt(ctx, e)
	}
}

// Retry re-attempts a single entry on user request, regardless of how
// many automatic retries it has burned. The counter is never reset, so
// one manual success or failure cannot re-arm the automatic sweep.
func (q *Queue) Retry(ctx context.Context, clientTag string) error {
	e, err := q.db.GetOutbox(clientTag)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no queued message for tag %s", clientTag)
	}
	if err != nil {
		return err
	}
	return q.attempt(ctx, e)
}

func (q *Queue) attempt(ctx context.Context, e *store.OutboxEntry) error {
	rec := backend.MessageRecord{
		ClientTag:  e.ClientTag,
		SenderID:   q.convo.SelfID(),
		ReceiverID: e.ReceiverID,
		Type:       e.Type,
		Content:    e.Content,
		Timestamp:  e.Timestamp,
	}

	stored, err := q.inserter.InsertMessage(ctx, rec)
	if err != nil {
		q.logger.Info("retry failed",
			zap.String("tag", e.ClientTag),
			zap.Int("retry_count", e.RetryCount+1),
			zap.Error(err))
		if incErr := q.db.IncrementOutboxRetry(e.ClientTag, err.Error()); incErr != nil {
			q.logger.Warn("retry bookkeeping failed", zap.String("tag", e.ClientTag), zap.Error(incErr))
		}
		return err
	}

	if err := q.db.RemoveOutbox(e.ClientTag); err != nil {
		q.logger.Warn("outbox cleanup failed", zap.String("tag", e.ClientTag), zap.Error(err))
	}
	q.logger.Info("retry delivered", zap.String("tag", e.ClientTag), zap.Int("retry_count", e.RetryCount))
	q.bus.Publish(bus.E(bus.KindSendConfirmed, sync.SendConfirmed{
		TempID: store.TempIDPrefix + e.ClientTag,
		Msg:    sync.FromRecord(*stored),
	}))
	return nil
}

package send

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/store"
	"github.com/tallychat/tally/internal/sync"
)

// Inserter persists one message row and returns the stored row.
type Inserter interface {
	InsertMessage(ctx context.Context, rec backend.MessageRecord) (*backend.MessageRecord, error)
}

var embedLinkPattern = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?tiktok\.com`)

// Classify picks the content type from the message text. Links to the
// embeddable video host render as preview cards; everything else is
// plain text.
func Classify(content string) string {
	if embedLinkPattern.MatchString(content) {
		return store.TypeEmbedLink
	}
	return store.TypeText
}

// Pipeline runs the optimistic send path: the message appears in the
// local set immediately and the network attempt runs behind it. The
// caller never waits on the wire.
type Pipeline struct {
	inserter Inserter
	db       *store.DB
	set      *store.Set
	convo    *convo.Context
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a pipeline sending through the given inserter.
func New(inserter Inserter, db *store.DB, set *store.Set, cc *convo.Context, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{inserter: inserter, db: db, set: set, convo: cc, bus: b, logger: logger}
}

// Send queues content to the open partner. Empty content or a closed
// conversation is a silent no-op. The optimistic placeholder is inserted
// and published before this returns; the network attempt continues in
// the background and resolves through the delivery bus.
func (p *Pipeline) Send(ctx context.Context, content string) {
	content = strings.TrimSpace(content)
	partner := p.convo.PartnerID()
	if content == "" || partner == "" {
		return
	}

	tag := uuid.NewString()
	tempID := store.TempIDPrefix + tag
	now := time.Now().UTC()
	pending := store.Message{
		ID:         tempID,
		ClientTag:  tag,
		SenderID:   p.convo.SelfID(),
		ReceiverID: partner,
		Type:       Classify(content),
		Content:    content,
		Timestamp:  now,
		Status:     store.StatusSending,
	}

	p.set.InsertPending(pending)
	p.bus.Publish(bus.E(bus.KindMessageUpserted, pending))
	p.convo.StopTyping()

	go p.attempt(ctx, pending)
}

// attempt drives the network insert with a short exponential backoff.
// Rate limiting aborts immediately; hammering a throttled endpoint only
// extends the throttle.
func (p *Pipeline) attempt(ctx context.Context, pending store.Message) {
	rec := backend.MessageRecord{
		ClientTag:  pending.ClientTag,
		SenderID:   pending.SenderID,
		ReceiverID: pending.ReceiverID,
		Type:       pending.Type,
		Content:    pending.Content,
		Timestamp:  pending.Timestamp,
	}

	var stored *backend.MessageRecord
	op := func() error {
		row, err := p.inserter.InsertMessage(ctx, rec)
		if err != nil {
			if backend.IsRateLimited(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		stored = row
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newPolicy(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		p.logger.Warn("send exhausted attempts",
			zap.String("tag", pending.ClientTag), zap.Error(err))
		if qErr := p.db.QueueOutbox(&store.OutboxEntry{
			ClientTag:  pending.ClientTag,
			ReceiverID: pending.ReceiverID,
			Content:    pending.Content,
			Type:       pending.Type,
			Timestamp:  pending.Timestamp,
			LastError:  err.Error(),
		}); qErr != nil {
			p.logger.Error("outbox queue failed", zap.String("tag", pending.ClientTag), zap.Error(qErr))
		}
		p.bus.Publish(bus.E(bus.KindSendFailed, sync.SendFailed{
			TempID: pending.ID,
			Reason: err.Error(),
		}))
		return
	}

	p.bus.Publish(bus.E(bus.KindSendConfirmed, sync.SendConfirmed{
		TempID: pending.ID,
		Msg:    sync.FromRecord(*stored),
	}))
}

func newPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

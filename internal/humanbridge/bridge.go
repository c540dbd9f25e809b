// Package humanbridge lets a conversation pause while a human answers a
// question out of band.
//
// Ask sends a correlated query to the configured human address and parks the
// caller on a single-slot answer channel until the answer arrives, the
// deadline passes, or the context ends. The engine feeds every inbound
// message carrying a correlation id through Resolve; the first resolution
// wins and the correlation id is tombstoned so duplicates and late answers
// are consumed without re-entering a conversation.
package humanbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultTimeout bounds a human wait when no timeout is configured.
	DefaultTimeout = 5 * time.Minute

	// DefaultTombstoneRetention is how long resolved correlation ids are
	// remembered for duplicate detection.
	DefaultTombstoneRetention = 10 * time.Minute
)

// Sender is the slice of the bus the bridge needs.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Outcome is the terminal state of one human query.
type Outcome struct {
	Answer   string
	TimedOut bool
}

type pendingQuery struct {
	correlationID  string
	conversationID models.ConversationID
	question       string
	issuedAt       time.Time
	deadline       time.Time

	// done is buffered so Resolve never blocks on a caller that has
	// already raced past its timeout.
	done chan string
}

// Options configures a Bridge.
type Options struct {
	// Address is the bus destination human queries are sent to.
	Address string

	// Timeout bounds each wait unless Ask overrides it.
	Timeout time.Duration

	// TombstoneRetention is how long resolved ids stay tombstoned.
	TombstoneRetention time.Duration
}

// Bridge pairs outbound human queries with inbound answers by correlation id.
type Bridge struct {
	sender    Sender
	address   string
	timeout   time.Duration
	retention time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu         sync.Mutex
	pending    map[string]*pendingQuery
	tombstones map[string]time.Time

	nowFunc func() time.Time // For testing
}

// New creates a Bridge that sends queries through the given bus.
func New(sender Sender, opts Options, logger *observability.Logger, metrics *observability.Metrics) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = DefaultTombstoneRetention
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Bridge{
		sender:     sender,
		address:    opts.Address,
		timeout:    opts.Timeout,
		retention:  opts.TombstoneRetention,
		logger:     logger.WithFields("component", "humanbridge"),
		metrics:    metrics,
		pending:    make(map[string]*pendingQuery),
		tombstones: make(map[string]time.Time),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. For testing.
func (b *Bridge) SetNowFunc(f func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFunc = f
}

func (b *Bridge) now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nowFunc()
}

// Ask sends a question to the human address and waits for the answer. A
// timeout of zero uses the configured default. The wait is always bounded;
// a timed-out query is tombstoned so its answer, if it ever arrives, is
// discarded instead of resurfacing.
func (b *Bridge) Ask(ctx context.Context, conversationID models.ConversationID, question string, timeout time.Duration) (Outcome, error) {
	if b.address == "" {
		return Outcome{}, fmt.Errorf("no human address configured")
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	now := b.now()
	q := &pendingQuery{
		correlationID:  uuid.NewString(),
		conversationID: conversationID,
		question:       question,
		issuedAt:       now,
		deadline:       now.Add(timeout),
		done:           make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[q.correlationID] = q
	b.mu.Unlock()

	err := b.sender.Send(ctx, bus.OutboundMessage{
		Destination:   b.address,
		Payload:       question,
		CorrelationID: q.correlationID,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.pending, q.correlationID)
		b.mu.Unlock()
		b.metrics.RecordHumanQuery("send_error")
		return Outcome{}, fmt.Errorf("send human query: %w", err)
	}

	b.logger.Debug(ctx, "human query sent",
		"correlation_id", q.correlationID,
		"conversation_id", string(conversationID),
		"timeout", timeout.String())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-q.done:
		b.metrics.RecordHumanQuery("answered")
		return Outcome{Answer: answer}, nil

	case <-timer.C:
		if answer, resolved := b.expire(q.correlationID, q.done); resolved {
			// Resolve won the race; the answer is already buffered.
			b.metrics.RecordHumanQuery("answered")
			return Outcome{Answer: answer}, nil
		}
		b.logger.Warn(ctx, "human query timed out",
			"correlation_id", q.correlationID,
			"conversation_id", string(conversationID),
			"waited", timeout.String())
		b.metrics.RecordHumanQuery("timeout")
		return Outcome{TimedOut: true}, nil

	case <-ctx.Done():
		if answer, resolved := b.expire(q.correlationID, q.done); resolved {
			b.metrics.RecordHumanQuery("answered")
			return Outcome{Answer: answer}, nil
		}
		b.metrics.RecordHumanQuery("cancelled")
		return Outcome{}, ctx.Err()
	}
}

// expire removes a pending query after a timeout or cancellation. If
// Resolve already consumed the entry, the buffered answer is drained and
// returned instead; first resolution wins in both directions.
func (b *Bridge) expire(correlationID string, done chan string) (string, bool) {
	b.mu.Lock()
	if _, still := b.pending[correlationID]; still {
		delete(b.pending, correlationID)
		b.tombstones[correlationID] = b.nowFunc()
		b.mu.Unlock()
		return "", false
	}
	b.mu.Unlock()
	return <-done, true
}

// Resolve routes an inbound payload to the query waiting on its correlation
// id. The return value tells the caller whether the message was consumed:
// a pending hit delivers the answer, a tombstone hit discards a duplicate
// or late answer, and a miss means the message is not a human answer at all.
func (b *Bridge) Resolve(correlationID, answer string) bool {
	if correlationID == "" {
		return false
	}

	b.mu.Lock()
	b.pruneTombstonesLocked()

	if q, ok := b.pending[correlationID]; ok {
		delete(b.pending, correlationID)
		b.tombstones[correlationID] = b.nowFunc()
		b.mu.Unlock()
		q.done <- answer
		b.logger.Debug(context.Background(), "human answer delivered",
			"correlation_id", correlationID,
			"conversation_id", string(q.conversationID))
		return true
	}

	if _, ok := b.tombstones[correlationID]; ok {
		b.mu.Unlock()
		b.logger.Info(context.Background(), "late human answer discarded", "correlation_id", correlationID)
		b.metrics.RecordHumanQuery("discarded_late")
		return true
	}

	b.mu.Unlock()
	return false
}

// PendingCount reports how many queries are waiting on an answer.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) pruneTombstonesLocked() {
	cutoff := b.nowFunc().Add(-b.retention)
	for id, at := range b.tombstones {
		if at.Before(cutoff) {
			delete(b.tombstones, id)
		}
	}
}

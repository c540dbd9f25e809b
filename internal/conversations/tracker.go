package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// EndObserver is told when a conversation ends. The snapshot carries
// the final status and end reason; the backing state is deleted right
// after observers return.
type EndObserver func(ctx context.Context, conv *models.Conversation)

// Tracker owns the conversation lifecycle on top of a Store. Ending is
// a three-step transition: mark ended, notify observers exactly once,
// delete the state. Concurrent End calls race on the mark; only the
// winner notifies.
type Tracker struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	observers []EndObserver
}

// NewTracker builds a Tracker over store.
func NewTracker(store Store, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Tracker{
		store:   store,
		logger:  logger.WithFields("component", "conversations"),
		metrics: metrics,
	}
}

// OnEnded registers an observer for conversation end events.
// Observers run synchronously, in registration order.
func (t *Tracker) OnEnded(fn EndObserver) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// GetOrCreate returns the conversation for id, creating it when
// absent.
func (t *Tracker) GetOrCreate(ctx context.Context, id models.ConversationID, peer, thread string) (*models.Conversation, bool, error) {
	conv, created, err := t.store.GetOrCreate(ctx, id, peer, thread)
	if err != nil {
		return nil, false, err
	}
	if created {
		t.metrics.RecordConversationStarted()
		t.logger.Info(ctx, "conversation started", "conversation_id", string(id), "peer", peer)
	}
	return conv, created, nil
}

// End terminates the conversation with reason and reports whether this
// call performed the transition. When it did, observers fire once with
// the final snapshot, then the state is deleted so the next message
// from the same peer starts fresh. Ending an unknown or already ended
// conversation is a no-op.
func (t *Tracker) End(ctx context.Context, id models.ConversationID, reason models.EndReason) (bool, error) {
	transitioned, err := t.store.Terminate(ctx, id, reason)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, nil
	}

	conv, err := t.store.Get(ctx, id)
	if err != nil {
		conv = &models.Conversation{ID: id, Status: models.StatusEnded, EndReason: reason}
	}

	t.metrics.RecordConversationEnded(string(reason))
	t.logger.Info(ctx, "conversation ended",
		"conversation_id", string(id),
		"reason", string(reason),
		"interactions", conv.Interactions,
	)
	t.notify(ctx, conv)

	if err := t.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return true, fmt.Errorf("delete ended conversation: %w", err)
	}
	return true, nil
}

func (t *Tracker) notify(ctx context.Context, conv *models.Conversation) {
	t.mu.RLock()
	observers := append([]EndObserver{}, t.observers...)
	t.mu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error(ctx, "end observer panicked",
						"conversation_id", string(conv.ID),
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()
			fn(ctx, conv)
		}()
	}
}

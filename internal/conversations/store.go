// Package conversations persists per-conversation state: the turn
// history, the interaction counter and the lifecycle status. A Tracker
// layered on top owns the end-of-life transition and tells registered
// observers about it exactly once.
package conversations

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/models"
)

var (
	// ErrNotFound is returned for operations on a conversation id the
	// store does not hold. Ended conversations are deleted, so a
	// previously valid id reports ErrNotFound once its life is over.
	ErrNotFound = errors.New("conversation not found")
)

// Store persists conversations. Implementations must be safe for
// concurrent use; the engine serializes writes per conversation id but
// different conversations touch the store in parallel.
type Store interface {
	// GetOrCreate returns the conversation for id, creating it with the
	// given peer and thread when absent. The bool reports creation.
	GetOrCreate(ctx context.Context, id models.ConversationID, peer, thread string) (*models.Conversation, bool, error)

	// Get returns the conversation with its full turn history.
	Get(ctx context.Context, id models.ConversationID) (*models.Conversation, error)

	// Append adds a turn to the history and refreshes the activity
	// timestamp.
	Append(ctx context.Context, id models.ConversationID, turn models.Turn) error

	// IncrementAndCheck bumps the interaction counter and reports
	// whether the new count has reached max. A max of zero or less
	// means unlimited.
	IncrementAndCheck(ctx context.Context, id models.ConversationID, max int) (bool, error)

	// Terminate marks the conversation ended with the given reason and
	// reports whether this call performed the transition. A second
	// Terminate on the same conversation returns false with no error.
	Terminate(ctx context.Context, id models.ConversationID, reason models.EndReason) (bool, error)

	// Delete removes the conversation and its history.
	Delete(ctx context.Context, id models.ConversationID) error

	// List returns conversation metadata without turn history.
	List(ctx context.Context) ([]*models.Conversation, error)
}

package conversations

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/models"
)

// maxTurnsPerConversation caps stored history to keep memory bounded.
// Older turns are trimmed first.
const maxTurnsPerConversation = 1000

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[models.ConversationID]*models.Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[models.ConversationID]*models.Conversation{},
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, id models.ConversationID, peer, thread string) (*models.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[id]; ok {
		return cloneConversation(conv), false, nil
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:        id,
		Peer:      peer,
		Thread:    thread,
		Status:    models.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[id] = conv
	return cloneConversation(conv), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id models.ConversationID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) Append(ctx context.Context, id models.ConversationID, turn models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}

	clone := cloneTurn(turn)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	conv.Turns = append(conv.Turns, clone)
	if len(conv.Turns) > maxTurnsPerConversation {
		excess := len(conv.Turns) - maxTurnsPerConversation
		conv.Turns = conv.Turns[excess:]
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) IncrementAndCheck(ctx context.Context, id models.ConversationID, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	conv.Interactions++
	conv.UpdatedAt = time.Now()
	return max > 0 && conv.Interactions >= max, nil
}

func (m *MemoryStore) Terminate(ctx context.Context, id models.ConversationID, reason models.EndReason) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	if conv.Status == models.StatusEnded {
		return false, nil
	}
	conv.Status = models.StatusEnded
	conv.EndReason = reason
	conv.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id models.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		clone := cloneConversation(conv)
		clone.Turns = nil
		out = append(out, clone)
	}
	return out, nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	if conv == nil {
		return nil
	}
	clone := *conv
	if len(conv.Turns) > 0 {
		clone.Turns = make([]models.Turn, len(conv.Turns))
		for i, turn := range conv.Turns {
			clone.Turns[i] = cloneTurn(turn)
		}
	}
	return &clone
}

func cloneTurn(turn models.Turn) models.Turn {
	clone := turn
	if len(turn.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, turn.ToolCalls...)
	}
	return clone
}

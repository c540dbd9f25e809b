package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// NoteStore holds scratch notes keyed per conversation. Tool state lives in
// the injected store, never in package globals.
type NoteStore interface {
	Put(ctx context.Context, conversationID models.ConversationID, key, value string) error
	Get(ctx context.Context, conversationID models.ConversationID, key string) (string, bool, error)
	List(ctx context.Context, conversationID models.ConversationID) (map[string]string, error)
}

// MemoryNotes is an in-memory NoteStore.
type MemoryNotes struct {
	mu    sync.RWMutex
	notes map[models.ConversationID]map[string]string
}

// NewMemoryNotes creates an empty in-memory note store.
func NewMemoryNotes() *MemoryNotes {
	return &MemoryNotes{notes: make(map[models.ConversationID]map[string]string)}
}

func (s *MemoryNotes) Put(ctx context.Context, conversationID models.ConversationID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.notes[conversationID]
	if !ok {
		byKey = make(map[string]string)
		s.notes[conversationID] = byKey
	}
	byKey[key] = value
	return nil
}

func (s *MemoryNotes) Get(ctx context.Context, conversationID models.ConversationID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.notes[conversationID][key]
	return value, ok, nil
}

func (s *MemoryNotes) List(ctx context.Context, conversationID models.ConversationID) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.notes[conversationID]))
	for k, v := range s.notes[conversationID] {
		out[k] = v
	}
	return out, nil
}

// Drop discards every note for a conversation. Called when the
// conversation ends.
func (s *MemoryNotes) Drop(conversationID models.ConversationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, conversationID)
}

// RememberTool stores a note under a key for the current conversation.
type RememberTool struct {
	notes NoteStore
}

// NewRememberTool creates the remember tool.
func NewRememberTool(notes NoteStore) *RememberTool {
	return &RememberTool{notes: notes}
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Store a short note under a key for this conversation. Overwrites any previous note with the same key."
}

func (t *RememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {
				"type": "string",
				"description": "Label to store the note under"
			},
			"value": {
				"type": "string",
				"description": "The note text"
			}
		},
		"required": ["key", "value"]
	}`)
}

func (t *RememberTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if input.Key == "" {
		return &Result{Content: "key is required", IsError: true}, nil
	}

	conversationID := models.ConversationID(observability.ConversationIDFromContext(ctx))
	if err := t.notes.Put(ctx, conversationID, input.Key, input.Value); err != nil {
		return nil, fmt.Errorf("store note: %w", err)
	}
	return &Result{Content: fmt.Sprintf("Remembered %q.", input.Key)}, nil
}

// RecallTool reads notes stored for the current conversation.
type RecallTool struct {
	notes NoteStore
}

// NewRecallTool creates the recall tool.
func NewRecallTool(notes NoteStore) *RecallTool {
	return &RecallTool{notes: notes}
}

func (t *RecallTool) Name() string { return "recall" }

func (t *RecallTool) Description() string {
	return "Recall a note stored earlier in this conversation. Omit the key to list every stored note."
}

func (t *RecallTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {
				"type": "string",
				"description": "Label of the note to recall; omit to list all notes"
			}
		}
	}`)
}

func (t *RecallTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Key string `json:"key"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}

	conversationID := models.ConversationID(observability.ConversationIDFromContext(ctx))

	if input.Key != "" {
		value, ok, err := t.notes.Get(ctx, conversationID, input.Key)
		if err != nil {
			return nil, fmt.Errorf("read note: %w", err)
		}
		if !ok {
			return &Result{Content: fmt.Sprintf("No note stored under %q.", input.Key)}, nil
		}
		return &Result{Content: value}, nil
	}

	all, err := t.notes.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	if len(all) == 0 {
		return &Result{Content: "No notes stored for this conversation."}, nil
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, all[k])
	}
	return &Result{Content: strings.TrimRight(b.String(), "\n")}, nil
}

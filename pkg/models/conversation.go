package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ConversationID keys a conversation in the store. It is derived
// deterministically from the peer address and optional thread id, so any
// inbound message maps to the same conversation.
type ConversationID string

// DeriveConversationID builds the store key for a peer/thread pair. Messages
// without a thread id share one conversation per peer.
func DeriveConversationID(peer, thread string) ConversationID {
	if thread == "" {
		return ConversationID(peer)
	}
	return ConversationID(peer + "#" + thread)
}

// Peer recovers the peer address the id was derived from.
func (id ConversationID) Peer() string {
	if i := strings.Index(string(id), "#"); i >= 0 {
		return string(id)[:i]
	}
	return string(id)
}

// ToolCall is a model-issued request to execute a registered tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Turn is one role-tagged unit of conversation history. Tool-role turns
// carry the originating call id and error flag so failures remain visible
// to the model on the next pass.
type Turn struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason records why a conversation was terminated.
type EndReason string

const (
	EndMaxInteractions   EndReason = "max_interactions"
	EndTerminationMarker EndReason = "termination_marker"
	EndExplicit          EndReason = "explicit"
	EndIdleTimeout       EndReason = "idle_timeout"
)

// Conversation holds the per-conversation history, interaction counter and
// lifecycle flags. It is created on the first inbound message for a new id
// and destroyed on termination.
type Conversation struct {
	ID           ConversationID `json:"id"`
	Peer         string         `json:"peer"`
	Thread       string         `json:"thread,omitempty"`
	Turns        []Turn         `json:"turns"`
	Interactions int            `json:"interactions"`
	Status       Status         `json:"status"`
	EndReason    EndReason      `json:"end_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDeriveConversationID(t *testing.T) {
	tests := []struct {
		name   string
		peer   string
		thread string
		want   ConversationID
	}{
		{"peer only", "agent-a", "", "agent-a"},
		{"peer with thread", "agent-a", "t-42", "agent-a#t-42"},
		{"different threads differ", "agent-a", "t-43", "agent-a#t-43"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveConversationID(tt.peer, tt.thread); got != tt.want {
				t.Errorf("DeriveConversationID(%q, %q) = %q, want %q", tt.peer, tt.thread, got, tt.want)
			}
		})
	}
}

func TestDeriveConversationID_Deterministic(t *testing.T) {
	a := DeriveConversationID("peer", "thread")
	b := DeriveConversationID("peer", "thread")
	if a != b {
		t.Errorf("same inputs produced different ids: %q vs %q", a, b)
	}
}

func TestConversationID_Peer(t *testing.T) {
	tests := []struct {
		id   ConversationID
		want string
	}{
		{"agent-a", "agent-a"},
		{"agent-a#t-42", "agent-a"},
		{DeriveConversationID("bob", "topic#nested"), "bob"},
	}
	for _, tt := range tests {
		if got := tt.id.Peer(); got != tt.want {
			t.Errorf("ConversationID(%q).Peer() = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestEndReason_Constants(t *testing.T) {
	tests := []struct {
		constant EndReason
		expected string
	}{
		{EndMaxInteractions, "max_interactions"},
		{EndTerminationMarker, "termination_marker"},
		{EndExplicit, "explicit"},
		{EndIdleTimeout, "idle_timeout"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestTurn_JSONRoundTrip(t *testing.T) {
	turn := Turn{
		ID:      "turn-1",
		Role:    RoleAssistant,
		Content: "checking",
		ToolCalls: []ToolCall{
			{ID: "call-1", Name: "add", Input: json.RawMessage(`{"a":2,"b":2}`)},
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Turn
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Role != RoleAssistant || len(decoded.ToolCalls) != 1 {
		t.Errorf("round trip lost fields: %+v", decoded)
	}
	if decoded.ToolCalls[0].Name != "add" {
		t.Errorf("tool call name = %q, want %q", decoded.ToolCalls[0].Name, "add")
	}
}

func TestTurn_ToolErrorVisible(t *testing.T) {
	turn := Turn{Role: RoleTool, ToolCallID: "call-1", ToolName: "add", Content: "boom", IsError: true}

	data, err := json.Marshal(turn)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Turn
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !decoded.IsError {
		t.Error("expected error flag to survive serialization")
	}
}

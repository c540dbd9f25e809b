// Package provider defines the model-client boundary the orchestration
// engine consumes, with adapters for Anthropic and OpenAI backends. A
// failed call always surfaces as a typed *Error carrying a retryability
// classification, never as a silent empty response.
package provider

import (
	"context"
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

// ToolSchema describes one registered tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	// Parameters is the JSON Schema for the tool's argument object.
	Parameters json.RawMessage
}

// Request is one generation call: the system prompt, the conversation
// history so far and the tool surface the model may call into.
type Request struct {
	System      string
	Turns       []models.Turn
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// StopReason is the normalized reason generation stopped.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's turn: text, zero or more tool calls, and
// accounting metadata.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason StopReason
	Model      string
	Usage      Usage
}

// Client generates model turns from conversation history.
type Client interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/humanbridge"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// AskHumanTool pauses the conversation while a human answers over the bus.
// Never registered parallel-safe: a batch with two human questions asks
// them one at a time.
type AskHumanTool struct {
	bridge  *humanbridge.Bridge
	timeout time.Duration
}

// NewAskHumanTool creates the ask_human tool. A zero timeout defers to the
// bridge's configured default.
func NewAskHumanTool(bridge *humanbridge.Bridge, timeout time.Duration) *AskHumanTool {
	return &AskHumanTool{bridge: bridge, timeout: timeout}
}

func (t *AskHumanTool) Name() string { return "ask_human" }

func (t *AskHumanTool) Description() string {
	return "Ask the human operator a question and wait for their reply. Use when a decision needs human judgment, approval, or information only the human has."
}

func (t *AskHumanTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {
				"type": "string",
				"description": "The question to put to the human"
			}
		},
		"required": ["question"]
	}`)
}

func (t *AskHumanTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if input.Question == "" {
		return &Result{Content: "question is required", IsError: true}, nil
	}

	conversationID := models.ConversationID(observability.ConversationIDFromContext(ctx))

	outcome, err := t.bridge.Ask(ctx, conversationID, input.Question, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("ask human: %w", err)
	}
	if outcome.TimedOut {
		// Timeouts surface as content, not as failed calls.
		return &Result{Content: "The human did not respond before the timeout. Proceed without their input or try again later."}, nil
	}
	return &Result{Content: outcome.Answer}, nil
}

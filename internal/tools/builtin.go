package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/humanbridge"
	"github.com/parleyhq/parley/internal/schedule"
)

// BuiltinDeps carries the collaborators the builtin tools need. A nil
// field skips the tools depending on it.
type BuiltinDeps struct {
	Bridge       *humanbridge.Bridge
	HumanTimeout time.Duration
	Notes        NoteStore
	Scheduler    *schedule.Scheduler
}

// RegisterBuiltins registers every builtin tool the deps can support.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if err := reg.Register(NewAddTool(), WithParallelSafe()); err != nil {
		return err
	}
	if err := reg.Register(NewCurrentTimeTool(), WithParallelSafe()); err != nil {
		return err
	}
	if deps.Bridge != nil {
		if err := reg.Register(NewAskHumanTool(deps.Bridge, deps.HumanTimeout)); err != nil {
			return err
		}
	}
	if deps.Notes != nil {
		if err := reg.Register(NewRememberTool(deps.Notes)); err != nil {
			return err
		}
		if err := reg.Register(NewRecallTool(deps.Notes), WithParallelSafe()); err != nil {
			return err
		}
	}
	if deps.Scheduler != nil {
		if err := reg.Register(NewRemindTool(deps.Scheduler)); err != nil {
			return err
		}
	}
	return nil
}

// AddTool adds two numbers. Pure and parallel-safe.
type AddTool struct{}

// NewAddTool creates the add tool.
func NewAddTool() *AddTool { return &AddTool{} }

func (t *AddTool) Name() string { return "add" }

func (t *AddTool) Description() string {
	return "Add two numbers and return their sum."
}

func (t *AddTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"a": {
				"type": "number",
				"description": "First addend"
			},
			"b": {
				"type": "number",
				"description": "Second addend"
			}
		},
		"required": ["a", "b"]
	}`)
}

func (t *AddTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	// FormatFloat with -1 precision prints 4, not 4.000000.
	sum := strconv.FormatFloat(input.A+input.B, 'f', -1, 64)
	return &Result{Content: sum}, nil
}

// CurrentTimeTool reports the current time, optionally in a named timezone.
type CurrentTimeTool struct {
	nowFunc func() time.Time // For testing
}

// NewCurrentTimeTool creates the current_time tool.
func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{nowFunc: time.Now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *CurrentTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."
			}
		}
	}`)
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("parse args: %w", err)
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		parsed, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return &Result{
				Content: fmt.Sprintf("Unknown timezone: %s", input.Timezone),
				IsError: true,
			}, nil
		}
		loc = parsed
	}

	return &Result{Content: t.nowFunc().In(loc).Format(time.RFC3339)}, nil
}

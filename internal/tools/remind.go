package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/schedule"
	"github.com/parleyhq/parley/pkg/models"
)

// RemindTool schedules a future bus message. Exactly one of "in", "at" or
// "cron" selects when it fires; the reminder re-enters the system as a
// fresh inbound message when it does.
type RemindTool struct {
	scheduler *schedule.Scheduler
}

// NewRemindTool creates the remind tool.
func NewRemindTool(scheduler *schedule.Scheduler) *RemindTool {
	return &RemindTool{scheduler: scheduler}
}

func (t *RemindTool) Name() string { return "remind" }

func (t *RemindTool) Description() string {
	return "Schedule a reminder message for later delivery. Provide exactly one of: 'in' (a duration like 45m or 2h), 'at' (an RFC3339 timestamp), or 'cron' (a cron expression for recurring reminders)."
}

func (t *RemindTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "Text to deliver when the reminder fires"
			},
			"in": {
				"type": "string",
				"description": "Delay before firing, e.g. 30s, 45m, 2h"
			},
			"at": {
				"type": "string",
				"description": "Absolute firing time, RFC3339"
			},
			"cron": {
				"type": "string",
				"description": "Cron expression for a recurring reminder"
			},
			"to": {
				"type": "string",
				"description": "Destination address; defaults to the conversation peer"
			}
		},
		"required": ["message"]
	}`)
}

func (t *RemindTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var input struct {
		Message string `json:"message"`
		In      string `json:"in"`
		At      string `json:"at"`
		Cron    string `json:"cron"`
		To      string `json:"to"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if input.Message == "" {
		return &Result{Content: "message is required", IsError: true}, nil
	}

	selectors := 0
	for _, s := range []string{input.In, input.At, input.Cron} {
		if s != "" {
			selectors++
		}
	}
	if selectors != 1 {
		return &Result{Content: "provide exactly one of 'in', 'at' or 'cron'", IsError: true}, nil
	}

	var spec schedule.Spec
	switch {
	case input.In != "":
		d, err := time.ParseDuration(input.In)
		if err != nil || d <= 0 {
			return &Result{Content: fmt.Sprintf("invalid duration: %s", input.In), IsError: true}, nil
		}
		spec = schedule.At(time.Now().Add(d))
	case input.At != "":
		parsed, err := schedule.ParseAt(input.At)
		if err != nil {
			return &Result{Content: err.Error(), IsError: true}, nil
		}
		spec = parsed
	default:
		parsed, err := schedule.Cron(input.Cron)
		if err != nil {
			return &Result{Content: err.Error(), IsError: true}, nil
		}
		spec = parsed
	}

	destination := input.To
	if destination == "" {
		id := models.ConversationID(observability.ConversationIDFromContext(ctx))
		destination = id.Peer()
	}
	if destination == "" {
		return &Result{Content: "no destination for the reminder", IsError: true}, nil
	}

	id, err := t.scheduler.Add(schedule.Reminder{
		Destination: destination,
		Message:     input.Message,
		Spec:        spec,
	})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("Reminder scheduled (id %s).", id)}, nil
}

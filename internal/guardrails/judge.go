package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

const defaultJudgeTimeout = 10 * time.Second

const judgeSystem = `You are a content policy judge. Evaluate the content against the rubric. Respond with only a JSON object: {"pass": true|false, "reason": "<short reason>"}.`

// Judge asks a model to rule on content against a rubric. The call is
// time-bounded; any failure (transport, timeout, unparseable ruling)
// surfaces as an error so the pipeline fails closed.
type Judge struct {
	client  provider.Client
	rubric  string
	timeout time.Duration
}

// NewJudge builds a model-judged guardrail.
func NewJudge(client provider.Client, rubric string, timeout time.Duration) *Judge {
	if timeout <= 0 {
		timeout = defaultJudgeTimeout
	}
	return &Judge{client: client, rubric: rubric, timeout: timeout}
}

func (j *Judge) Name() string { return "judge" }

func (j *Judge) Evaluate(ctx context.Context, content string, ec EvalContext) (Verdict, error) {
	if j.client == nil {
		return Verdict{}, errors.New("judge guardrail has no provider client")
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	resp, err := j.client.Generate(ctx, &provider.Request{
		System: judgeSystem,
		Turns: []models.Turn{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("Rubric: %s\n\nContent:\n%s", j.rubric, content),
		}},
		MaxTokens: 256,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge call: %w", err)
	}

	ruling, err := parseRuling(resp.Text)
	if err != nil {
		return Verdict{}, err
	}
	if ruling.Pass {
		return Verdict{Decision: DecisionPass, Content: content}, nil
	}
	reason := ruling.Reason
	if reason == "" {
		reason = "judged against rubric"
	}
	return Verdict{Decision: DecisionBlock, Content: blockedNotice, Reason: reason}, nil
}

type judgeRuling struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// parseRuling pulls the JSON object out of the model's reply. Models
// sometimes wrap the object in prose; everything outside the outermost
// braces is ignored.
func parseRuling(text string) (judgeRuling, error) {
	var ruling judgeRuling
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ruling, fmt.Errorf("judge returned no JSON ruling: %q", snippet(text))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &ruling); err != nil {
		return ruling, fmt.Errorf("judge ruling unparseable: %w", err)
	}
	return ruling, nil
}

func snippet(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Package guardrails filters conversation content before it reaches
// the model and before replies leave the engine. Guardrails run
// strictly in configured order; the first block wins, modifications
// chain, and a guardrail failure is a distinguishable error the caller
// must treat as a block, never as a pass.
package guardrails

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/observability"
)

// Direction says which side of the model the pipeline guards.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Decision is a guardrail's ruling on a piece of content.
type Decision string

const (
	DecisionPass   Decision = "pass"
	DecisionBlock  Decision = "block"
	DecisionModify Decision = "modify"
)

// Verdict is the outcome of evaluating content. Block verdicts carry a
// replacement notice in Content and the machine-readable cause in
// Reason; modify verdicts carry the rewritten content.
type Verdict struct {
	Decision Decision
	Content  string
	Reason   string
}

// EvalContext gives guardrails the surrounding conversation facts.
type EvalContext struct {
	Direction      Direction
	ConversationID string
	Peer           string
}

// Guardrail is one content filter.
type Guardrail interface {
	Name() string
	Evaluate(ctx context.Context, content string, ec EvalContext) (Verdict, error)
}

// Error marks a guardrail that failed to evaluate, as opposed to one
// that ruled. Callers fail closed on it.
type Error struct {
	Guardrail string
	Direction Direction
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("guardrail %s (%s) failed: %v", e.Guardrail, e.Direction, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Pipeline is an ordered guardrail chain for one direction.
type Pipeline struct {
	direction  Direction
	guardrails []Guardrail
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewPipeline builds a pipeline that applies guardrails in the given
// order.
func NewPipeline(direction Direction, guardrails []Guardrail, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pipeline{
		direction:  direction,
		guardrails: guardrails,
		logger:     logger.WithFields("component", "guardrails", "direction", string(direction)),
		metrics:    metrics,
	}
}

// Len reports how many guardrails the pipeline holds.
func (p *Pipeline) Len() int {
	return len(p.guardrails)
}

// Apply runs the chain over content. The first block short-circuits
// and its verdict is returned unchanged; modify verdicts feed the
// rewritten content to the next guardrail. A guardrail failure aborts
// the chain with a *Error.
func (p *Pipeline) Apply(ctx context.Context, content string, ec EvalContext) (Verdict, error) {
	ec.Direction = p.direction
	current := content
	modified := false

	for _, g := range p.guardrails {
		verdict, err := g.Evaluate(ctx, current, ec)
		if err != nil {
			p.metrics.RecordGuardrail(string(p.direction), "error")
			p.logger.Error(ctx, "guardrail evaluation failed", "guardrail", g.Name(), "error", err)
			return Verdict{}, &Error{Guardrail: g.Name(), Direction: p.direction, Err: err}
		}
		p.metrics.RecordGuardrail(string(p.direction), string(verdict.Decision))

		switch verdict.Decision {
		case DecisionBlock:
			p.logger.Info(ctx, "guardrail blocked content", "guardrail", g.Name(), "reason", verdict.Reason)
			return verdict, nil
		case DecisionModify:
			current = verdict.Content
			modified = true
		case DecisionPass:
		default:
			return Verdict{}, &Error{
				Guardrail: g.Name(),
				Direction: p.direction,
				Err:       fmt.Errorf("unknown decision %q", verdict.Decision),
			}
		}
	}

	if modified {
		return Verdict{Decision: DecisionModify, Content: current}, nil
	}
	return Verdict{Decision: DecisionPass, Content: current}, nil
}

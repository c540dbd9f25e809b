package guardrails

import (
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/provider"
)

// FromConfig turns guardrail specs into guardrail instances, in order.
// The judge client is only required when a spec of kind "judge" is
// present.
func FromConfig(specs []config.GuardrailSpec, judge provider.Client) ([]Guardrail, error) {
	out := make([]Guardrail, 0, len(specs))
	for i, spec := range specs {
		g, err := fromSpec(spec, judge)
		if err != nil {
			return nil, fmt.Errorf("guardrail %d: %w", i, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func fromSpec(spec config.GuardrailSpec, judge provider.Client) (Guardrail, error) {
	switch spec.Kind {
	case "keyword":
		return NewKeyword(spec.Terms), nil
	case "redact":
		return NewRedact(spec.Patterns, spec.Replacement)
	case "length":
		return NewLength(spec.MaxLength), nil
	case "judge":
		if judge == nil {
			return nil, fmt.Errorf("judge guardrail requires a provider client")
		}
		return NewJudge(judge, spec.Rubric, time.Duration(spec.TimeoutSeconds)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown guardrail kind %q", spec.Kind)
	}
}

package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const blockedNotice = "This message was blocked by content policy."

// Keyword blocks content containing any of the configured terms.
// Matching is case-insensitive.
type Keyword struct {
	terms []string
}

// NewKeyword builds a keyword guardrail.
func NewKeyword(terms []string) *Keyword {
	lowered := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term != "" {
			lowered = append(lowered, strings.ToLower(term))
		}
	}
	return &Keyword{terms: lowered}
}

func (k *Keyword) Name() string { return "keyword" }

func (k *Keyword) Evaluate(ctx context.Context, content string, ec EvalContext) (Verdict, error) {
	lowered := strings.ToLower(content)
	for _, term := range k.terms {
		if strings.Contains(lowered, term) {
			return Verdict{
				Decision: DecisionBlock,
				Content:  blockedNotice,
				Reason:   fmt.Sprintf("contains blocked term %q", term),
			}, nil
		}
	}
	return Verdict{Decision: DecisionPass, Content: content}, nil
}

// Redact rewrites content by replacing every pattern match.
type Redact struct {
	patterns    []*regexp.Regexp
	replacement string
}

// NewRedact compiles the patterns. Replacement defaults to
// "[REDACTED]".
func NewRedact(patterns []string, replacement string) (*Redact, error) {
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return &Redact{patterns: compiled, replacement: replacement}, nil
}

func (r *Redact) Name() string { return "redact" }

func (r *Redact) Evaluate(ctx context.Context, content string, ec EvalContext) (Verdict, error) {
	redacted := content
	for _, re := range r.patterns {
		redacted = re.ReplaceAllString(redacted, r.replacement)
	}
	if redacted == content {
		return Verdict{Decision: DecisionPass, Content: content}, nil
	}
	return Verdict{
		Decision: DecisionModify,
		Content:  redacted,
		Reason:   "sensitive content redacted",
	}, nil
}

// Length blocks content longer than the configured rune count.
type Length struct {
	max int
}

// NewLength builds a length guardrail.
func NewLength(max int) *Length {
	return &Length{max: max}
}

func (l *Length) Name() string { return "length" }

func (l *Length) Evaluate(ctx context.Context, content string, ec EvalContext) (Verdict, error) {
	if l.max > 0 && utf8.RuneCountInString(content) > l.max {
		return Verdict{
			Decision: DecisionBlock,
			Content:  blockedNotice,
			Reason:   fmt.Sprintf("content exceeds %d characters", l.max),
		}, nil
	}
	return Verdict{Decision: DecisionPass, Content: content}, nil
}

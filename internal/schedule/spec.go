// Package schedule delivers future bus messages. A reminder carries a
// destination address, a payload, and a firing spec; the scheduler sends
// the payload over the bus when the spec comes due. One-shot reminders
// disable themselves after firing, recurring ones re-arm.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Spec describes when a reminder fires.
type Spec struct {
	// Kind is "at" (one-shot absolute), "every" (recurring interval) or
	// "cron" (recurring expression).
	Kind string

	At       time.Time
	Every    time.Duration
	CronExpr string
}

// At builds a one-shot spec for an absolute time.
func At(t time.Time) Spec {
	return Spec{Kind: "at", At: t}
}

// Every builds a recurring spec with a fixed interval.
func Every(d time.Duration) Spec {
	return Spec{Kind: "every", Every: d}
}

// Cron builds a recurring spec from a cron expression. The expression
// accepts an optional seconds field and @-descriptors.
func Cron(expr string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Spec{Kind: "cron", CronExpr: expr}, nil
}

// ParseAt builds a one-shot spec from an RFC3339 timestamp, also accepting
// the looser "2006-01-02 15:04" form.
func ParseAt(value string) (Spec, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Spec{}, fmt.Errorf("timestamp required")
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return At(parsed), nil
	}
	if parsed, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return At(parsed), nil
	}
	return Spec{}, fmt.Errorf("invalid timestamp: %s", value)
}

// Next returns the next firing after now, or false when the spec is spent.
func (s Spec) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at spec missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case "every":
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("every spec missing interval")
		}
		return now.Add(s.Every), true, nil
	case "cron":
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron spec missing expression")
		}
		parsed, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := parsed.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown spec kind %q", s.Kind)
	}
}

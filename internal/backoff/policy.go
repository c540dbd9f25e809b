// Package backoff provides exponential backoff with jitter and a
// context-aware retry helper.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the first delay in milliseconds.
	InitialMs float64
	// MaxMs caps the delay in milliseconds.
	MaxMs float64
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// DefaultPolicy is 100ms initial, 30s cap, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// PolicyFromMillis builds a doubling policy from configured bounds,
// falling back to the defaults for non-positive values.
func PolicyFromMillis(initialMs, maxMs int) Policy {
	p := DefaultPolicy()
	if initialMs > 0 {
		p.InitialMs = float64(initialMs)
	}
	if maxMs > 0 {
		p.MaxMs = float64(maxMs)
	}
	return p
}

// Compute returns the delay before the given attempt (1-indexed).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0.0, 1.0),
// so tests can assert exact delays.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

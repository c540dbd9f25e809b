package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every retry attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry executes fn with exponential backoff until it succeeds, the error
// is not retryable, maxAttempts is exhausted, or ctx is cancelled.
//
// fn receives the attempt number (1-indexed). retryable decides whether an
// error is worth another attempt; nil treats every error as retryable. A
// non-retryable error is returned as-is; exhaustion returns the last error
// wrapped in ErrExhausted.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < maxAttempts {
			if err := SleepWithContext(ctx, Compute(policy, attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

// SleepWithContext sleeps for the duration, returning early with ctx.Err()
// on cancellation.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

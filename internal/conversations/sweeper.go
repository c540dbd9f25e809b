package conversations

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// Sweeper ends conversations that have been idle longer than the
// configured timeout. UpdatedAt is the activity marker; every append
// and counter bump refreshes it.
type Sweeper struct {
	store    Store
	tracker  *Tracker
	idle     time.Duration
	interval time.Duration
	logger   *observability.Logger
	nowFunc  func() time.Time // For testing
}

// NewSweeper builds a sweeper that checks every interval and ends
// conversations idle for at least idle.
func NewSweeper(store Store, tracker *Tracker, idle, interval time.Duration, logger *observability.Logger) *Sweeper {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Sweeper{
		store:    store,
		tracker:  tracker,
		idle:     idle,
		interval: interval,
		logger:   logger.WithFields("component", "sweeper"),
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *Sweeper) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// Run sweeps on the configured interval until ctx is cancelled. A
// non-positive idle timeout disables sweeping entirely.
func (s *Sweeper) Run(ctx context.Context) {
	if s.idle <= 0 {
		return
	}
	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns how many conversations it
// ended.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	convs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "failed to list conversations for sweep", "error", err)
		return 0
	}

	now := s.nowFunc()
	ended := 0
	for _, conv := range convs {
		if conv.Status != models.StatusActive {
			continue
		}
		last := conv.UpdatedAt
		if last.IsZero() {
			last = conv.CreatedAt
		}
		if last.IsZero() || now.Sub(last) < s.idle {
			continue
		}
		ok, err := s.tracker.End(ctx, conv.ID, models.EndIdleTimeout)
		if err != nil {
			s.logger.Error(ctx, "failed to end idle conversation",
				"conversation_id", string(conv.ID), "error", err)
			continue
		}
		if ok {
			ended++
		}
	}
	if ended > 0 {
		s.logger.Info(ctx, "idle sweep ended conversations", "count", ended)
	}
	return ended
}

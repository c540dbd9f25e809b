package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/observability"
)

// DefaultTickInterval is how often the scheduler checks for due reminders.
const DefaultTickInterval = time.Second

// Sender is the slice of the bus the scheduler needs.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Reminder is a scheduled future message.
type Reminder struct {
	ID          string
	Destination string
	Message     string
	Spec        Spec
	Enabled     bool
	NextRun     time.Time
	LastRun     time.Time
	LastError   string
	CreatedAt   time.Time
}

// Scheduler holds reminders and fires the due ones over the bus.
type Scheduler struct {
	sender Sender
	tick   time.Duration
	logger *observability.Logger

	mu        sync.Mutex
	reminders map[string]*Reminder
	started   bool
	wg        sync.WaitGroup

	nowFunc func() time.Time // For testing
}

// NewScheduler creates a scheduler that delivers through the given sender.
func NewScheduler(sender Sender, tick time.Duration, logger *observability.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Scheduler{
		sender:    sender,
		tick:      tick,
		logger:    logger.WithFields("component", "schedule"),
		reminders: make(map[string]*Reminder),
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock. For testing.
func (s *Scheduler) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc()
}

// Add registers a reminder and returns its id. A reminder that would never
// fire is rejected.
func (s *Scheduler) Add(r Reminder) (string, error) {
	if strings.TrimSpace(r.Destination) == "" {
		return "", fmt.Errorf("reminder destination required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return "", fmt.Errorf("reminder message required")
	}

	now := s.now()
	next, ok, err := r.Spec.Next(now)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("reminder would never fire")
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Enabled = true
	r.NextRun = next
	r.CreatedAt = now

	s.mu.Lock()
	s.reminders[r.ID] = &r
	s.mu.Unlock()

	s.logger.Info(context.Background(), "reminder scheduled",
		"reminder_id", r.ID,
		"destination", r.Destination,
		"kind", r.Spec.Kind,
		"next_run", next.Format(time.RFC3339))
	return r.ID, nil
}

// Remove deletes a reminder. Returns false when the id is unknown.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[id]; !ok {
		return false
	}
	delete(s.reminders, id)
	return true
}

// List returns a snapshot of all reminders sorted by next run.
func (s *Scheduler) List() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info(ctx, "scheduler started", "tick", s.tick.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every due reminder once and returns how many fired.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]*Reminder, 0)
	for _, r := range s.reminders {
		if r.Enabled && !r.NextRun.IsZero() && !now.Before(r.NextRun) {
			due = append(due, r)
		}
	}
	s.mu.Unlock()

	// Stable firing order for reminders due on the same tick.
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRun.Equal(due[j].NextRun) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRun.Before(due[j].NextRun)
	})

	fired := 0
	for _, r := range due {
		err := s.sender.Send(ctx, bus.OutboundMessage{
			Destination: r.Destination,
			Payload:     r.Message,
		})
		if err != nil {
			s.logger.Warn(ctx, "reminder delivery failed", "reminder_id", r.ID, "destination", r.Destination, "error", err)
		} else {
			s.logger.Info(ctx, "reminder fired", "reminder_id", r.ID, "destination", r.Destination)
			fired++
		}

		next, ok, nextErr := r.Spec.Next(now)

		s.mu.Lock()
		r.LastRun = now
		if err != nil {
			r.LastError = err.Error()
		} else {
			r.LastError = ""
		}
		switch {
		case nextErr != nil:
			r.LastError = nextErr.Error()
			r.NextRun = time.Time{}
			r.Enabled = false
		case ok && next.After(now):
			r.NextRun = next
		default:
			// One-shot reminders retire after firing.
			r.NextRun = time.Time{}
			r.Enabled = false
		}
		s.mu.Unlock()
	}
	return fired
}

// Stop waits for the run loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

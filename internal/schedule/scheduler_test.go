package schedule

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/observability"
)

type schedulerHarness struct {
	scheduler *Scheduler
	inbox     *bus.Endpoint
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	network := bus.NewNetwork()
	inbox := network.Endpoint("alice")
	sender := network.Endpoint("scheduler")
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return &schedulerHarness{
		scheduler: NewScheduler(sender, time.Millisecond, logger),
		inbox:     inbox,
	}
}

func (h *schedulerHarness) receive(t *testing.T) bus.InboundMessage {
	t.Helper()
	select {
	case msg := <-h.inbox.Receive():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return bus.InboundMessage{}
	}
}

func TestAddRejectsIncompleteReminders(t *testing.T) {
	h := newSchedulerHarness(t)

	tests := []struct {
		name     string
		reminder Reminder
	}{
		{"no destination", Reminder{Message: "hi", Spec: Every(time.Minute)}},
		{"no message", Reminder{Destination: "alice", Spec: Every(time.Minute)}},
		{"spent spec", Reminder{Destination: "alice", Message: "hi", Spec: At(time.Now().Add(-time.Hour))}},
		{"invalid spec", Reminder{Destination: "alice", Message: "hi", Spec: Spec{Kind: "at"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.scheduler.Add(tt.reminder); err == nil {
				t.Error("Add() should reject the reminder")
			}
		})
	}
}

func TestOneShotFiresOnceAndRetires(t *testing.T) {
	h := newSchedulerHarness(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	h.scheduler.SetNowFunc(func() time.Time { return base })

	id, err := h.scheduler.Add(Reminder{
		Destination: "alice",
		Message:     "stand up and stretch",
		Spec:        At(base.Add(time.Minute)),
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Not due yet.
	if fired := h.scheduler.RunDue(context.Background()); fired != 0 {
		t.Fatalf("RunDue() = %d before the deadline", fired)
	}

	h.scheduler.SetNowFunc(func() time.Time { return base.Add(2 * time.Minute) })
	if fired := h.scheduler.RunDue(context.Background()); fired != 1 {
		t.Fatalf("RunDue() = %d, want 1", fired)
	}

	msg := h.receive(t)
	if msg.Payload != "stand up and stretch" {
		t.Errorf("Payload = %q", msg.Payload)
	}

	// Fired one-shots retire instead of re-arming.
	if fired := h.scheduler.RunDue(context.Background()); fired != 0 {
		t.Fatalf("RunDue() = %d after the one-shot fired", fired)
	}
	reminders := h.scheduler.List()
	if len(reminders) != 1 || reminders[0].ID != id {
		t.Fatalf("List() = %+v", reminders)
	}
	if reminders[0].Enabled {
		t.Error("one-shot reminder still enabled after firing")
	}
}

func TestRecurringReArms(t *testing.T) {
	h := newSchedulerHarness(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	now := base
	h.scheduler.SetNowFunc(func() time.Time { return now })

	if _, err := h.scheduler.Add(Reminder{
		Destination: "alice",
		Message:     "drink water",
		Spec:        Every(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for i := 1; i <= 3; i++ {
		now = base.Add(time.Duration(i) * 10 * time.Minute)
		if fired := h.scheduler.RunDue(context.Background()); fired != 1 {
			t.Fatalf("pass %d: RunDue() = %d, want 1", i, fired)
		}
		h.receive(t)
	}

	reminders := h.scheduler.List()
	if len(reminders) != 1 || !reminders[0].Enabled {
		t.Fatalf("recurring reminder should stay enabled: %+v", reminders)
	}
}

func TestDeliveryFailureRecorded(t *testing.T) {
	h := newSchedulerHarness(t)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	h.scheduler.SetNowFunc(func() time.Time { return base })

	// "nobody" is not a registered endpoint, so delivery fails.
	id, err := h.scheduler.Add(Reminder{
		Destination: "nobody",
		Message:     "lost",
		Spec:        At(base.Add(time.Second)),
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h.scheduler.SetNowFunc(func() time.Time { return base.Add(time.Minute) })
	if fired := h.scheduler.RunDue(context.Background()); fired != 0 {
		t.Fatalf("RunDue() = %d for a failed delivery", fired)
	}

	for _, r := range h.scheduler.List() {
		if r.ID == id && r.LastError == "" {
			t.Error("delivery failure not recorded on the reminder")
		}
	}
}

func TestRemove(t *testing.T) {
	h := newSchedulerHarness(t)
	id, err := h.scheduler.Add(Reminder{Destination: "alice", Message: "hi", Spec: Every(time.Minute)})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !h.scheduler.Remove(id) {
		t.Error("Remove() = false for a known reminder")
	}
	if h.scheduler.Remove(id) {
		t.Error("Remove() = true for a removed reminder")
	}
	if len(h.scheduler.List()) != 0 {
		t.Error("reminder still listed after removal")
	}
}

func TestRunFiresOnTicker(t *testing.T) {
	h := newSchedulerHarness(t)

	if _, err := h.scheduler.Add(Reminder{
		Destination: "alice",
		Message:     "tick",
		Spec:        At(time.Now().Add(5 * time.Millisecond)),
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.scheduler.Run(ctx)

	msg := h.receive(t)
	if msg.Payload != "tick" {
		t.Errorf("Payload = %q", msg.Payload)
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := h.scheduler.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

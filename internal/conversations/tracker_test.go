package conversations

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return NewTracker(store, logger, nil), store
}

func TestTrackerEndNotifiesOnce(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	id := models.ConversationID("alice")

	var calls atomic.Int32
	var gotReason models.EndReason
	tracker.OnEnded(func(ctx context.Context, conv *models.Conversation) {
		calls.Add(1)
		gotReason = conv.EndReason
	})

	if _, _, err := tracker.GetOrCreate(ctx, id, "alice", ""); err != nil {
		t.Fatal(err)
	}

	ended, err := tracker.End(ctx, id, models.EndExplicit)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !ended {
		t.Error("first End should report the transition")
	}

	// A second End is a no-op: the state is already gone.
	ended, err = tracker.End(ctx, id, models.EndIdleTimeout)
	if err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if ended {
		t.Error("second End should not transition")
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("observer ran %d times, want exactly 1", got)
	}
	if gotReason != models.EndExplicit {
		t.Errorf("observer saw reason %v, want explicit", gotReason)
	}
}

func TestTrackerEndDeletesState(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()
	id := models.ConversationID("alice")

	if _, _, err := tracker.GetOrCreate(ctx, id, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, id, models.Turn{Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.IncrementAndCheck(ctx, id, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := tracker.End(ctx, id, models.EndMaxInteractions); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after End error = %v, want ErrNotFound", err)
	}

	// The next message from the same peer starts a fresh conversation.
	conv, created, err := tracker.GetOrCreate(ctx, id, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("GetOrCreate after End should create")
	}
	if len(conv.Turns) != 0 || conv.Interactions != 0 {
		t.Errorf("fresh conversation carries old state: %+v", conv)
	}
}

func TestTrackerObserverSeesFinalSnapshot(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()
	id := models.ConversationID("alice")

	var snapshot *models.Conversation
	tracker.OnEnded(func(ctx context.Context, conv *models.Conversation) {
		snapshot = conv
	})

	if _, _, err := tracker.GetOrCreate(ctx, id, "alice", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementAndCheck(ctx, id, 0); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := tracker.End(ctx, id, models.EndTerminationMarker); err != nil {
		t.Fatal(err)
	}

	if snapshot == nil {
		t.Fatal("observer never ran")
	}
	if snapshot.Interactions != 3 {
		t.Errorf("snapshot interactions = %d, want 3", snapshot.Interactions)
	}
	if snapshot.Status != models.StatusEnded {
		t.Errorf("snapshot status = %v, want ended", snapshot.Status)
	}
}

func TestTrackerEndUnknownConversation(t *testing.T) {
	tracker, _ := newTestTracker(t)

	var calls atomic.Int32
	tracker.OnEnded(func(ctx context.Context, conv *models.Conversation) {
		calls.Add(1)
	})

	ended, err := tracker.End(context.Background(), "ghost", models.EndExplicit)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended {
		t.Error("ending an unknown conversation should be a no-op")
	}
	if calls.Load() != 0 {
		t.Error("observer should not run for unknown conversations")
	}
}

func TestTrackerObserverPanicIsContained(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	id := models.ConversationID("alice")

	var secondRan bool
	tracker.OnEnded(func(ctx context.Context, conv *models.Conversation) {
		panic("observer bug")
	})
	tracker.OnEnded(func(ctx context.Context, conv *models.Conversation) {
		secondRan = true
	})

	if _, _, err := tracker.GetOrCreate(ctx, id, "alice", ""); err != nil {
		t.Fatal(err)
	}

	ended, err := tracker.End(ctx, id, models.EndExplicit)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if !ended {
		t.Error("End should still transition when an observer panics")
	}
	if !secondRan {
		t.Error("later observers should still run after a panic")
	}
}

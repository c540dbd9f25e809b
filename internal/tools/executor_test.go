package tools

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

func newTestExecutor(t *testing.T, reg *Registry, opts ExecutorOptions) *Executor {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	return NewExecutor(reg, opts, logger, nil)
}

func TestExecutorDefaults(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(), ExecutorOptions{})
	if e.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", e.timeout, DefaultTimeout)
	}
	if cap(e.sem) != DefaultMaxConcurrency {
		t.Errorf("cap(sem) = %d, want %d", cap(e.sem), DefaultMaxConcurrency)
	}
}

func TestExecuteBatchEmpty(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(), ExecutorOptions{})
	if got := e.ExecuteBatch(context.Background(), nil); got != nil {
		t.Errorf("ExecuteBatch(nil) = %v", got)
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	echo := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		var input struct {
			Text string `json:"text"`
		}
		json.Unmarshal(args, &input)
		return &Result{Content: input.Text}, nil
	}
	schema := `{"type":"object","properties":{"text":{"type":"string"}}}`
	if err := reg.Register(&fakeTool{name: "echo", schema: schema, execute: echo}, WithParallelSafe()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(&fakeTool{name: "echo_seq", schema: schema, execute: echo}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	calls := []models.ToolCall{
		{ID: "c1", Name: "echo_seq", Input: json.RawMessage(`{"text":"one"}`)},
		{ID: "c2", Name: "echo", Input: json.RawMessage(`{"text":"two"}`)},
		{ID: "c3", Name: "echo", Input: json.RawMessage(`{"text":"three"}`)},
		{ID: "c4", Name: "echo_seq", Input: json.RawMessage(`{"text":"four"}`)},
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), calls)

	if len(outcomes) != len(calls) {
		t.Fatalf("len(outcomes) = %d, want %d", len(outcomes), len(calls))
	}
	want := []string{"one", "two", "three", "four"}
	for i, o := range outcomes {
		if o.ToolCallID != calls[i].ID {
			t.Errorf("outcomes[%d].ToolCallID = %q, want %q", i, o.ToolCallID, calls[i].ID)
		}
		if o.Result == nil || o.Result.Content != want[i] {
			t.Errorf("outcomes[%d].Result = %+v, want content %q", i, o.Result, want[i])
		}
	}
}

func TestExecuteBatchSequentialOrder(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var ran []string
	record := func(name string) func(ctx context.Context, args json.RawMessage) (*Result, error) {
		return func(ctx context.Context, args json.RawMessage) (*Result, error) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return &Result{Content: name}, nil
		}
	}
	for _, name := range []string{"first", "second", "third"} {
		if err := reg.Register(&fakeTool{name: name, execute: record(name)}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	e.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "1", Name: "first"},
		{ID: "2", Name: "second"},
		{ID: "3", Name: "third"},
	})

	if len(ran) != 3 || ran[0] != "first" || ran[1] != "second" || ran[2] != "third" {
		t.Errorf("execution order = %v", ran)
	}
}

func TestExecuteBatchParallelRun(t *testing.T) {
	reg := NewRegistry()
	gate := make(chan struct{})
	arrivals := make(chan struct{}, 2)

	// Each barrier tool waits for the other; only a concurrent run can
	// release the gate.
	barrier := func(ctx context.Context, args json.RawMessage) (*Result, error) {
		arrivals <- struct{}{}
		select {
		case <-gate:
			return &Result{Content: "met"}, nil
		case <-time.After(2 * time.Second):
			return &Result{Content: "alone", IsError: true}, nil
		}
	}
	for _, name := range []string{"left", "right"} {
		if err := reg.Register(&fakeTool{name: name, execute: barrier}, WithParallelSafe()); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	go func() {
		<-arrivals
		<-arrivals
		close(gate)
	}()

	e := newTestExecutor(t, reg, ExecutorOptions{MaxConcurrency: 2, Timeout: 5 * time.Second})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "l", Name: "left"},
		{ID: "r", Name: "right"},
	})

	for _, o := range outcomes {
		if o.Result.Content != "met" {
			t.Errorf("%s ran alone; parallel-safe neighbors should run concurrently", o.ToolName)
		}
	}
}

func TestExecuteBatchValidationSkipsExecution(t *testing.T) {
	reg := NewRegistry()
	var executed int
	tool := &fakeTool{
		name:   "strict",
		schema: `{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`,
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			executed++
			return &Result{Content: "ran"}, nil
		},
	}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "bad", Name: "strict", Input: json.RawMessage(`{"x":"nope"}`)},
		{ID: "good", Name: "strict", Input: json.RawMessage(`{"x":1}`)},
	})

	if !outcomes[0].Result.IsError {
		t.Error("invalid call should produce an error Result")
	}
	if !strings.Contains(outcomes[0].Result.Content, "validation") {
		t.Errorf("error content = %q", outcomes[0].Result.Content)
	}
	if outcomes[1].Result.IsError || outcomes[1].Result.Content != "ran" {
		t.Errorf("valid call result = %+v", outcomes[1].Result)
	}
	if executed != 1 {
		t.Errorf("tool executed %d times, want 1", executed)
	}
}

func TestExecuteBatchUnknownTool(t *testing.T) {
	e := newTestExecutor(t, NewRegistry(), ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "x", Name: "ghost", Input: json.RawMessage(`{}`)},
	})

	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d", len(outcomes))
	}
	if !outcomes[0].Result.IsError {
		t.Error("unknown tool should produce an error Result")
	}
	if !strings.Contains(outcomes[0].Result.Content, "not found") {
		t.Errorf("content = %q", outcomes[0].Result.Content)
	}
}

func TestExecuteBatchTimeout(t *testing.T) {
	reg := NewRegistry()
	slow := &fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &Result{Content: "done"}, nil
			}
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := newTestExecutor(t, reg, ExecutorOptions{Timeout: 30 * time.Millisecond})
	start := time.Now()
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{{ID: "s", Name: "slow"}})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timed-out batch took %s", elapsed)
	}
	if !outcomes[0].Result.IsError {
		t.Fatal("timeout should produce an error Result")
	}
	if !strings.Contains(outcomes[0].Result.Content, "timed out") {
		t.Errorf("content = %q", outcomes[0].Result.Content)
	}
}

func TestExecuteBatchPanicRecovered(t *testing.T) {
	reg := NewRegistry()
	bomb := &fakeTool{
		name: "bomb",
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			panic("kaboom")
		},
	}
	if err := reg.Register(bomb); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{
		{ID: "b", Name: "bomb"},
		{ID: "a", Name: "bomb"},
	})

	for i, o := range outcomes {
		if !o.Result.IsError {
			t.Errorf("outcomes[%d] should be an error Result", i)
		}
		if !strings.Contains(o.Result.Content, "panic") {
			t.Errorf("outcomes[%d].Content = %q", i, o.Result.Content)
		}
	}
}

func TestExecuteBatchNilResult(t *testing.T) {
	reg := NewRegistry()
	quiet := &fakeTool{
		name: "quiet",
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			return nil, nil
		},
	}
	if err := reg.Register(quiet); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{{ID: "q", Name: "quiet"}})
	if outcomes[0].Result == nil {
		t.Fatal("Result is nil; executor must always produce one")
	}
	if outcomes[0].Result.IsError {
		t.Error("a nil tool result is not an error")
	}
}

func TestExecuteBatchDomainError(t *testing.T) {
	reg := NewRegistry()
	failing := &fakeTool{
		name: "lookup",
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			return &Result{Content: "record not found", IsError: true}, nil
		},
	}
	if err := reg.Register(failing); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	e := newTestExecutor(t, reg, ExecutorOptions{})
	outcomes := e.ExecuteBatch(context.Background(), []models.ToolCall{{ID: "l", Name: "lookup"}})
	if !outcomes[0].Result.IsError || outcomes[0].Result.Content != "record not found" {
		t.Errorf("Result = %+v", outcomes[0].Result)
	}
}

func TestExecuteBatchCancelledContext(t *testing.T) {
	reg := NewRegistry()
	slow := &fakeTool{
		name: "slow",
		execute: func(ctx context.Context, args json.RawMessage) (*Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &Result{Content: "done"}, nil
			}
		},
	}
	if err := reg.Register(slow); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newTestExecutor(t, reg, ExecutorOptions{Timeout: 5 * time.Second})
	start := time.Now()
	outcomes := e.ExecuteBatch(ctx, []models.ToolCall{{ID: "s", Name: "slow"}})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancelled batch took %s", elapsed)
	}
	if !outcomes[0].Result.IsError {
		t.Error("cancelled execution should produce an error Result")
	}
}

package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultTimeout bounds a single tool execution.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxConcurrency limits parallel tool executions across all
	// conversations sharing the executor.
	DefaultMaxConcurrency = 5
)

// ExecutorOptions configures the batch executor.
type ExecutorOptions struct {
	// Timeout is the per-execution deadline. Default: 30s.
	Timeout time.Duration

	// MaxConcurrency limits concurrent executions. Default: 5.
	MaxConcurrency int
}

// Executor runs batches of tool calls against a registry. Arguments are
// validated before execution, consecutive parallel-safe calls run
// concurrently under a shared semaphore, and every outcome lands at its
// original request index so history order stays deterministic.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	sem      chan struct{}
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ExecutorOptions, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Executor{
		registry: registry,
		timeout:  opts.Timeout,
		sem:      make(chan struct{}, opts.MaxConcurrency),
		logger:   logger.WithFields("component", "tools"),
		metrics:  metrics,
	}
}

// Outcome is the terminal state of one tool call. Result is never nil;
// failures of any kind are folded into an error Result so the model always
// sees one result per call.
type Outcome struct {
	ToolCallID string
	ToolName   string
	Result     *Result
	Duration   time.Duration
}

type plannedCall struct {
	idx  int
	call models.ToolCall
	reg  *registration
	err  error
}

// ExecuteBatch validates and executes a batch of tool calls. Calls that
// fail validation or name an unknown tool produce error Results without
// executing anything. Maximal runs of consecutive parallel-safe calls run
// concurrently; everything else runs sequentially in request order.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall) []Outcome {
	if len(calls) == 0 {
		return nil
	}

	planned := make([]plannedCall, len(calls))
	for i, call := range calls {
		reg, err := e.registry.validate(call.Name, call.Input)
		planned[i] = plannedCall{idx: i, call: call, reg: reg, err: err}
	}

	outcomes := make([]Outcome, len(calls))
	i := 0
	for i < len(planned) {
		p := planned[i]
		if p.err != nil {
			outcomes[p.idx] = e.rejectedOutcome(ctx, p)
			i++
			continue
		}
		if !p.reg.parallelSafe {
			outcomes[p.idx] = e.executeOne(ctx, p)
			i++
			continue
		}

		// Extend the run while the calls stay valid and parallel-safe.
		j := i + 1
		for j < len(planned) && planned[j].err == nil && planned[j].reg.parallelSafe {
			j++
		}
		run := planned[i:j]
		if len(run) == 1 {
			outcomes[p.idx] = e.executeOne(ctx, p)
		} else {
			var wg sync.WaitGroup
			for _, pc := range run {
				wg.Add(1)
				go func(pc plannedCall) {
					defer wg.Done()
					outcomes[pc.idx] = e.executeOne(ctx, pc)
				}(pc)
			}
			wg.Wait()
		}
		i = j
	}

	return outcomes
}

// rejectedOutcome folds a pre-execution failure (unknown tool, schema
// violation) into an error Result.
func (e *Executor) rejectedOutcome(ctx context.Context, p plannedCall) Outcome {
	kind := ErrExecution
	if terr, ok := AsToolError(p.err); ok {
		kind = terr.Kind
	}
	e.logger.Warn(ctx, "tool call rejected", "tool", p.call.Name, "tool_call_id", p.call.ID, "kind", string(kind), "error", p.err)
	e.metrics.RecordToolExecution(p.call.Name, string(kind))
	return Outcome{
		ToolCallID: p.call.ID,
		ToolName:   p.call.Name,
		Result:     &Result{Content: p.err.Error(), IsError: true},
	}
}

func (e *Executor) executeOne(ctx context.Context, p plannedCall) Outcome {
	start := time.Now()
	outcome := Outcome{ToolCallID: p.call.ID, ToolName: p.call.Name}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		terr := &ToolError{Tool: p.call.Name, Kind: ErrTimeout, Err: ctx.Err()}
		e.metrics.RecordToolExecution(p.call.Name, string(ErrTimeout))
		outcome.Result = &Result{Content: terr.Error(), IsError: true}
		outcome.Duration = time.Since(start)
		return outcome
	}

	result, err := e.executeWithTimeout(ctx, p)
	outcome.Duration = time.Since(start)

	if err != nil {
		kind := ErrExecution
		if terr, ok := AsToolError(err); ok {
			kind = terr.Kind
		}
		e.logger.Warn(ctx, "tool execution failed", "tool", p.call.Name, "tool_call_id", p.call.ID, "kind", string(kind), "duration_ms", outcome.Duration.Milliseconds(), "error", err)
		e.metrics.RecordToolExecution(p.call.Name, string(kind))
		outcome.Result = &Result{Content: err.Error(), IsError: true}
		return outcome
	}

	status := "ok"
	if result.IsError {
		status = "error"
	}
	e.logger.Debug(ctx, "tool executed", "tool", p.call.Name, "tool_call_id", p.call.ID, "status", status, "duration_ms", outcome.Duration.Milliseconds())
	e.metrics.RecordToolExecution(p.call.Name, status)
	outcome.Result = result
	return outcome
}

// executeWithTimeout runs the tool on its own goroutine so a hung or
// panicking executor cannot take the batch down with it.
func (e *Executor) executeWithTimeout(ctx context.Context, p plannedCall) (*Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type execResult struct {
		result *Result
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				resultCh <- execResult{err: &ToolError{
					Tool: p.call.Name,
					Kind: ErrPanic,
					Err:  fmt.Errorf("panic: %v\n%s", r, stack),
				}}
			}
		}()

		result, err := p.reg.tool.Execute(execCtx, p.call.Input)
		if err != nil {
			resultCh <- execResult{err: &ToolError{Tool: p.call.Name, Kind: ErrExecution, Err: err}}
			return
		}
		if result == nil {
			result = &Result{}
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, &ToolError{Tool: p.call.Name, Kind: ErrTimeout, Err: ctx.Err()}
		}
		return nil, &ToolError{
			Tool: p.call.Name,
			Kind: ErrTimeout,
			Err:  fmt.Errorf("execution timed out after %s", e.timeout),
		}
	}
}

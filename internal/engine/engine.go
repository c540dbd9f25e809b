// Package engine orchestrates conversation turns. For every inbound bus
// message it resolves the conversation, runs the input guardrail chain,
// drives the model and its tool-calling loop, filters the output and
// routes the result, updating the conversation store along the way.
//
// Turns for one conversation id are strictly serialized by a
// per-conversation actor goroutine; distinct conversations run in
// parallel. Human answers never enter an actor's mailbox: they resolve
// the pending bridge query at dispatch, so a conversation waiting on a
// human cannot deadlock against its own answer.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/guardrails"
	"github.com/parleyhq/parley/internal/humanbridge"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	// DefaultMailboxSize bounds each conversation actor's queue of
	// waiting inbound messages.
	DefaultMailboxSize = 16

	// DefaultMaxToolIterations caps model round trips per turn.
	DefaultMaxToolIterations = 10
)

// Deps are the collaborators one engine instance is wired to.
type Deps struct {
	Bus      bus.Bus
	Store    conversations.Store
	Tracker  *conversations.Tracker
	Provider provider.Client
	Registry *tools.Registry
	Executor *tools.Executor

	// Bridge may be nil when no human address is configured; inbound
	// correlation ids are then never treated as human answers.
	Bridge *humanbridge.Bridge

	Input    *guardrails.Pipeline
	Output   *guardrails.Pipeline
	Resolver *routing.Resolver
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Options tune turn processing.
type Options struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// MaxInteractions ends a conversation after this many completed
	// turns. Zero or less means unlimited.
	MaxInteractions int

	// MaxToolIterations caps tool batches per turn; when the model asks
	// for more, the turn completes with a tool-limit notice.
	MaxToolIterations int

	// TerminationMarkers end the conversation when found in model
	// output. Matching is case-insensitive unless MarkersCaseSensitive.
	TerminationMarkers   []string
	MarkersCaseSensitive bool

	// MaxRetries and RetryPolicy govern retryable provider failures.
	MaxRetries  int
	RetryPolicy backoff.Policy

	// MailboxSize bounds each conversation's queue of waiting messages;
	// overflow drops the message with a warning.
	MailboxSize int
}

// actor serializes turns for one conversation id. pending counts queued
// plus in-flight messages and is guarded by Engine.mu; the actor retires
// when it drains to zero.
type actor struct {
	mailbox chan bus.InboundMessage
	pending int
}

// Engine processes inbound messages into conversation turns.
type Engine struct {
	bus      bus.Bus
	store    conversations.Store
	tracker  *conversations.Tracker
	provider provider.Client
	registry *tools.Registry
	executor *tools.Executor
	bridge   *humanbridge.Bridge
	input    *guardrails.Pipeline
	output   *guardrails.Pipeline
	resolver *routing.Resolver
	logger   *observability.Logger
	metrics  *observability.Metrics

	opts Options

	mu     sync.Mutex
	actors map[models.ConversationID]*actor
	wg     sync.WaitGroup

	obsMu     sync.RWMutex
	observers []TransitionObserver
}

// New wires an engine from its collaborators. Zero option fields fall
// back to defaults.
func New(deps Deps, opts Options) *Engine {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = DefaultMaxToolIterations
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryPolicy == (backoff.Policy{}) {
		opts.RetryPolicy = backoff.DefaultPolicy()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Engine{
		bus:      deps.Bus,
		store:    deps.Store,
		tracker:  deps.Tracker,
		provider: deps.Provider,
		registry: deps.Registry,
		executor: deps.Executor,
		bridge:   deps.Bridge,
		input:    deps.Input,
		output:   deps.Output,
		resolver: deps.Resolver,
		logger:   logger.WithFields("component", "engine"),
		metrics:  deps.Metrics,
		opts:     opts,
		actors:   make(map[models.ConversationID]*actor),
	}
}

// Run consumes the bus until ctx is cancelled or the inbound stream
// closes, then waits for in-flight turns to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "engine started",
		"provider", e.provider.Name(),
		"tools", e.registry.Len(),
	)
	defer func() {
		e.wg.Wait()
		e.logger.Info(ctx, "engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-e.bus.Receive():
			if !ok {
				return nil
			}
			e.dispatch(ctx, msg)
		}
	}
}

// dispatch demultiplexes one inbound message. Human answers resolve
// their pending query here and bypass the conversation actor entirely;
// everything else is enqueued on the conversation's mailbox in arrival
// order.
func (e *Engine) dispatch(ctx context.Context, msg bus.InboundMessage) {
	if msg.CorrelationID != "" && e.bridge != nil {
		if e.bridge.Resolve(msg.CorrelationID, msg.Payload) {
			return
		}
	}

	id := models.DeriveConversationID(msg.Sender, msg.ThreadID)

	e.mu.Lock()
	a, ok := e.actors[id]
	if !ok {
		a = &actor{mailbox: make(chan bus.InboundMessage, e.opts.MailboxSize)}
		e.actors[id] = a
		e.wg.Add(1)
		go e.runActor(ctx, id, a)
	}
	select {
	case a.mailbox <- msg:
		a.pending++
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		e.logger.Warn(ctx, "conversation mailbox full, dropping message",
			"conversation_id", string(id),
			"sender", msg.Sender,
		)
	}
}

// runActor drains one conversation's mailbox in order. The pending
// count is adjusted under Engine.mu on both sides, so the retirement
// check cannot race a concurrent enqueue.
func (e *Engine) runActor(ctx context.Context, id models.ConversationID, a *actor) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			delete(e.actors, id)
			e.mu.Unlock()
			return
		case msg := <-a.mailbox:
			e.processTurn(ctx, id, msg)

			e.mu.Lock()
			a.pending--
			if a.pending <= 0 {
				delete(e.actors, id)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
		}
	}
}

// processTurn runs one turn with panic containment. A panic ends the
// turn with an error notice to the sender; the engine keeps serving.
func (e *Engine) processTurn(ctx context.Context, id models.ConversationID, msg bus.InboundMessage) {
	start := time.Now()
	ctx = observability.WithConversationID(ctx, string(id))
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "turn panicked",
				"conversation_id", string(id),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			e.metrics.RecordTurn("panic", time.Since(start).Seconds())
			e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
		}
	}()

	status := e.runTurn(ctx, id, msg)
	e.metrics.RecordTurn(status, time.Since(start).Seconds())
}

// deliver sends one outbound message, logging instead of failing the
// turn when the bus rejects it.
func (e *Engine) deliver(ctx context.Context, destination, text, correlationID, threadID string) {
	err := e.bus.Send(ctx, bus.OutboundMessage{
		Destination:   destination,
		Payload:       text,
		CorrelationID: correlationID,
		ThreadID:      threadID,
	})
	if err != nil {
		e.logger.Warn(ctx, "outbound delivery failed",
			"destination", destination,
			"error", err,
		)
	}
}

package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/guardrails"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/pkg/models"
)

// Engine-authored notices delivered in place of a model response.
const (
	noticeInternalError     = "An internal error interrupted this conversation turn. Please try again."
	noticeProviderFailure   = "The language model is unreachable right now. Please try again later."
	noticeInputCheckFailed  = "Your message could not be checked against content policy and was not processed."
	noticeOutputCheckFailed = "The response was withheld because it could not be checked against content policy."
	noticeToolLimit         = "Tool limit exceeded: the request needed more tool calls than this conversation allows."
)

// runTurn walks one inbound message through the turn states and reports
// the turn's final status for metrics.
func (e *Engine) runTurn(ctx context.Context, id models.ConversationID, msg bus.InboundMessage) string {
	fsm := &turnFSM{engine: e, ctx: ctx, id: id, state: StateIdle}
	fsm.to(StateReceived)
	defer fsm.to(StateIdle)

	// 1) Resolve conversation state.
	conv, _, err := e.tracker.GetOrCreate(ctx, id, msg.Sender, msg.ThreadID)
	if err != nil {
		e.logger.Error(ctx, "conversation lookup failed", "error", err)
		fsm.to(StateRouted)
		e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
		return "store_error"
	}

	ec := guardrails.EvalContext{ConversationID: string(id), Peer: msg.Sender}

	// 2) Input guardrails. A blocked message is returned to the sender
	// and never reaches history, the model or the counter.
	fsm.to(StateInputFiltering)
	content := msg.Payload
	if e.input != nil {
		verdict, err := e.input.Apply(ctx, content, ec)
		if err != nil {
			e.logger.Error(ctx, "input guardrails failed", "error", err)
			fsm.to(StateRouted)
			e.deliver(ctx, msg.Sender, noticeInputCheckFailed, msg.CorrelationID, msg.ThreadID)
			return "guardrail_error"
		}
		if verdict.Decision == guardrails.DecisionBlock {
			fsm.to(StateRouted)
			e.deliver(ctx, msg.Sender, verdict.Content, msg.CorrelationID, msg.ThreadID)
			return "input_blocked"
		}
		content = verdict.Content
	}

	// 3) Record the user turn.
	userTurn, err := e.appendTurn(ctx, id, models.Turn{Role: models.RoleUser, Content: content})
	if err != nil {
		e.logger.Error(ctx, "append user turn failed", "error", err)
		fsm.to(StateRouted)
		e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
		return "store_error"
	}
	history := append(conv.Turns, userTurn)

	// 4) Model loop: generate, execute requested tools, repeat until the
	// model answers in plain text or the iteration budget runs out.
	fsm.to(StateGenerating)
	var finalText string
	iterations := 0
	for {
		resp, err := e.generate(ctx, history)
		if err != nil {
			e.logger.Error(ctx, "model call failed", "error", err)
			fsm.to(StateRouted)
			e.deliver(ctx, msg.Sender, noticeProviderFailure, msg.CorrelationID, msg.ThreadID)
			return "provider_error"
		}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			break
		}
		if iterations >= e.opts.MaxToolIterations {
			// The pending calls are never executed and never appended,
			// so history carries no request without a result.
			e.logger.Warn(ctx, "tool iteration limit reached",
				"iterations", iterations,
				"pending_calls", len(resp.ToolCalls),
			)
			finalText = noticeToolLimit
			break
		}

		fsm.to(StateToolLoop)
		assistantTurn, err := e.appendTurn(ctx, id, models.Turn{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if err != nil {
			e.logger.Error(ctx, "append assistant turn failed", "error", err)
			fsm.to(StateRouted)
			e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
			return "store_error"
		}
		history = append(history, assistantTurn)

		outcomes := e.executor.ExecuteBatch(ctx, resp.ToolCalls)
		for _, o := range outcomes {
			toolTurn, err := e.appendTurn(ctx, id, models.Turn{
				Role:       models.RoleTool,
				Content:    o.Result.Content,
				ToolCallID: o.ToolCallID,
				ToolName:   o.ToolName,
				IsError:    o.Result.IsError,
			})
			if err != nil {
				e.logger.Error(ctx, "append tool turn failed", "error", err)
				fsm.to(StateRouted)
				e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
				return "store_error"
			}
			history = append(history, toolTurn)
		}

		iterations++
		fsm.to(StateGenerating)
	}
	e.metrics.RecordToolLoop(iterations)

	// 5) History keeps the model's original output; only delivery sees
	// the filtered text.
	finalTurn, err := e.appendTurn(ctx, id, models.Turn{Role: models.RoleAssistant, Content: finalText})
	if err != nil {
		e.logger.Error(ctx, "append response turn failed", "error", err)
		fsm.to(StateRouted)
		e.deliver(ctx, msg.Sender, noticeInternalError, msg.CorrelationID, msg.ThreadID)
		return "store_error"
	}
	history = append(history, finalTurn)

	// 6) Output guardrails. A failing chain withholds the response.
	fsm.to(StateOutputFiltering)
	deliveryText := finalText
	status := "ok"
	if e.output != nil {
		verdict, err := e.output.Apply(ctx, finalText, ec)
		switch {
		case err != nil:
			e.logger.Error(ctx, "output guardrails failed", "error", err)
			deliveryText = noticeOutputCheckFailed
			status = "guardrail_error"
		case verdict.Decision == guardrails.DecisionBlock:
			deliveryText = verdict.Content
			status = "output_blocked"
		default:
			deliveryText = verdict.Content
		}
	}

	// 7) Route and deliver. Replies echo the inbound correlation id;
	// forwarded copies get their own.
	fsm.to(StateRouted)
	conv.Turns = history
	destinations := e.resolver.Resolve(ctx, routing.RouteContext{
		Sender:       msg.Sender,
		Response:     deliveryText,
		Conversation: conv,
	})
	for _, dest := range destinations {
		correlationID := msg.CorrelationID
		if dest != msg.Sender {
			correlationID = uuid.NewString()
		}
		e.deliver(ctx, dest, deliveryText, correlationID, msg.ThreadID)
	}

	// 8) Lifecycle, after delivery: termination markers win over the
	// interaction cap.
	if marker := e.matchMarker(finalText); marker != "" {
		e.logger.Info(ctx, "termination marker found", "marker", marker)
		if _, err := e.tracker.End(ctx, id, models.EndTerminationMarker); err != nil {
			e.logger.Error(ctx, "conversation end failed", "error", err)
		}
		return status
	}
	reached, err := e.store.IncrementAndCheck(ctx, id, e.opts.MaxInteractions)
	if err != nil {
		e.logger.Error(ctx, "interaction count failed", "error", err)
		return status
	}
	if reached {
		if _, err := e.tracker.End(ctx, id, models.EndMaxInteractions); err != nil {
			e.logger.Error(ctx, "conversation end failed", "error", err)
		}
	}
	return status
}

// generate performs one model call with bounded retries for transient
// provider failures.
func (e *Engine) generate(ctx context.Context, turns []models.Turn) (*provider.Response, error) {
	req := &provider.Request{
		System:      e.opts.SystemPrompt,
		Turns:       turns,
		Tools:       e.registry.Schemas(),
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	}
	return backoff.Retry(ctx, e.opts.RetryPolicy, e.opts.MaxRetries, provider.IsRetryable,
		func(attempt int) (*provider.Response, error) {
			if attempt > 1 {
				e.logger.Warn(ctx, "retrying model call", "attempt", attempt)
			}
			start := time.Now()
			resp, err := e.provider.Generate(ctx, req)
			if err != nil {
				e.metrics.RecordProviderRequest(e.provider.Name(), "error", time.Since(start).Seconds(), 0, 0)
				return nil, err
			}
			e.metrics.RecordProviderRequest(e.provider.Name(), "ok", time.Since(start).Seconds(),
				resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		})
}

func (e *Engine) appendTurn(ctx context.Context, id models.ConversationID, turn models.Turn) (models.Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if err := e.store.Append(ctx, id, turn); err != nil {
		return models.Turn{}, err
	}
	return turn, nil
}

// matchMarker returns the first termination marker contained in text.
func (e *Engine) matchMarker(text string) string {
	if text == "" {
		return ""
	}
	haystack := text
	if !e.opts.MarkersCaseSensitive {
		haystack = strings.ToLower(text)
	}
	for _, marker := range e.opts.TerminationMarkers {
		if marker == "" {
			continue
		}
		needle := marker
		if !e.opts.MarkersCaseSensitive {
			needle = strings.ToLower(marker)
		}
		if strings.Contains(haystack, needle) {
			return marker
		}
	}
	return ""
}

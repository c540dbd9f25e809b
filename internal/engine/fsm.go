package engine

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/pkg/models"
)

// State is one step of turn processing. Every inbound message walks
// Received through Idle; a blocked input jumps from InputFiltering
// straight to Routed.
type State string

const (
	StateReceived        State = "received"
	StateInputFiltering  State = "input_filtering"
	StateGenerating      State = "generating"
	StateToolLoop        State = "tool_loop"
	StateOutputFiltering State = "output_filtering"
	StateRouted          State = "routed"
	StateIdle            State = "idle"
)

// TransitionObserver is told about every turn state change, synchronously
// and in registration order.
type TransitionObserver func(id models.ConversationID, from, to State)

// OnTransition registers an observer for turn state changes.
func (e *Engine) OnTransition(fn TransitionObserver) {
	if fn == nil {
		return
	}
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notifyTransition(ctx context.Context, id models.ConversationID, from, to State) {
	e.obsMu.RLock()
	observers := append([]TransitionObserver{}, e.observers...)
	e.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error(ctx, "transition observer panicked",
						"conversation_id", string(id),
						"from", string(from),
						"to", string(to),
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()
			fn(id, from, to)
		}()
	}
}

// turnFSM tracks the current state of one turn and fires observers on
// each transition.
type turnFSM struct {
	engine *Engine
	ctx    context.Context
	id     models.ConversationID
	state  State
}

func (f *turnFSM) to(next State) {
	if next == f.state {
		return
	}
	f.engine.notifyTransition(f.ctx, f.id, f.state, next)
	f.state = next
}

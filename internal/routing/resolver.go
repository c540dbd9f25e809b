// Package routing decides where a finished response is delivered.
//
// Destinations are resolved along a fixed ladder: a dynamic route
// function when one is configured, else a static forward address, else
// the original sender. A dynamic function is authoritative when it
// answers; it only forfeits its turn by failing.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// RouteContext carries everything a routing decision may inspect.
type RouteContext struct {
	// Sender is the address the inbound message came from.
	Sender string

	// Response is the final (filtered) response text being delivered.
	Response string

	// Conversation is the full conversation record, including history.
	Conversation *models.Conversation
}

// RouteFunc picks destinations for a response. Returning an empty slice
// means the response is dropped. Errors and panics fall back to the
// sender; they never abort the conversation.
type RouteFunc func(ctx context.Context, rc RouteContext) ([]string, error)

// Resolver resolves delivery destinations.
type Resolver struct {
	fn      RouteFunc
	forward string
	logger  *observability.Logger
}

// New creates a Resolver. fn may be nil; forward may be empty. With
// neither, responses go back to the sender.
func New(fn RouteFunc, forward string, logger *observability.Logger) *Resolver {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Resolver{
		fn:      fn,
		forward: strings.TrimSpace(forward),
		logger:  logger.WithFields("component", "routing"),
	}
}

// Resolve returns the destinations for a response, deduplicated in
// order. An empty result means no delivery.
func (r *Resolver) Resolve(ctx context.Context, rc RouteContext) []string {
	if r.fn != nil {
		dests, err := r.callRouteFunc(ctx, rc)
		if err != nil {
			r.logger.Warn(ctx, "dynamic route failed, replying to sender",
				"sender", rc.Sender,
				"error", err)
			return fallbackToSender(rc.Sender)
		}
		return cleanDestinations(dests)
	}
	if r.forward != "" {
		return []string{r.forward}
	}
	return fallbackToSender(rc.Sender)
}

// callRouteFunc contains panics from user-supplied route functions.
func (r *Resolver) callRouteFunc(ctx context.Context, rc RouteContext) (dests []string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("route func panic: %v", p)
		}
	}()
	return r.fn(ctx, rc)
}

func fallbackToSender(sender string) []string {
	if sender == "" {
		return nil
	}
	return []string{sender}
}

// cleanDestinations trims blanks and drops duplicates, keeping first
// occurrence order.
func cleanDestinations(dests []string) []string {
	if len(dests) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(dests))
	out := make([]string, 0, len(dests))
	for _, d := range dests {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

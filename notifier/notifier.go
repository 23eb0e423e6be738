// Package notifier defines the outbound delivery port: the callback
// the worker invokes to actually hand CloudEvents to a subscriber
// connection, and the result shapes it returns.
package notifier

import (
	"context"

	"github.com/fluxgate/eventbus/cloudevent"
)

// Notifier delivers a batch of CloudEvents to one connection. The
// call must return within a bounded time (the caller applies its own
// timeout), must not mutate the store directly, and may be invoked
// concurrently for different connection ids. See spec.md §4.3.
type Notifier interface {
	Deliver(ctx context.Context, connectionID string, events []cloudevent.Event) (BatchResult, error)
}

// BatchResult is the outcome of one Deliver call. See spec.md §4.3.
type BatchResult struct {
	// Success, when results is empty, classifies the whole batch:
	// true -> delivered, false -> failed (see Error), nil -> treated
	// like false with a generic error.
	Success *bool

	// Error is the batch-level failure reason, used when Results is
	// empty and Success is false or nil.
	Error string

	// RetryAfterMs, when > 0 and Results is empty, defers the whole
	// batch without incrementing attempts.
	RetryAfterMs int64

	// Results, when non-empty, switches interpretation to per-event
	// mode: each event id present is resolved from its own
	// PerEventResult; ids absent fall back to the batch-level fields
	// above.
	Results map[string]PerEventResult
}

// PerEventResult is one event's outcome within a per-event-mode
// BatchResult.
type PerEventResult struct {
	Success      *bool
	Error        string
	RetryAfterMs int64
}

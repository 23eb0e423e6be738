// Package notify wakes the worker when new work exists. A Strategy is
// a best-effort hint: correctness never depends on notify() arriving,
// only on the Polling baseline eventually firing.
package notify

import (
	"context"

	"github.com/google/uuid"
)

// Strategy is the wake-up port. See spec.md §4.2.
type Strategy interface {
	// Start begins listening. onNotify is invoked at least once per
	// wake-up; implementations may coalesce rapid signals into one
	// call.
	Start(ctx context.Context, onNotify func()) error

	// Stop releases any resources Start acquired. Safe to call more
	// than once.
	Stop() error

	// Notify is a best-effort hint that new work exists for eventID.
	// The payload is informational only.
	Notify(ctx context.Context, eventID uuid.UUID) error
}

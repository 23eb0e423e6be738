// Package store is the sole durable state for the event bus: events,
// subscriptions, and deliveries. All mutations go through the Store
// interface so the concurrency and idempotency invariants in spec.md
// §3/§4.1 hold regardless of backend.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the closed set of operations the rest of the bus relies on.
// See spec.md §4.1 for the full contract each method must honor.
type Store interface {
	InsertEvent(ctx context.Context, orgID string, input PublishInput) (Event, error)
	GetEvent(ctx context.Context, orgID string, id uuid.UUID) (Event, error)
	CancelEvent(ctx context.Context, orgID string, eventID uuid.UUID, callerConnectionID string) (bool, error)

	MatchSubscriptions(ctx context.Context, event Event) ([]Subscription, error)
	InsertDeliveries(ctx context.Context, eventID uuid.UUID, subscriptionIDs []uuid.UUID, deliverAt *time.Time) error

	ClaimPending(ctx context.Context, limit int) ([]Claim, error)
	MarkDelivered(ctx context.Context, deliveryIDs []uuid.UUID) error
	// MarkFailed records a failed delivery attempt for each id: deliveries
	// under maxAttempts are rescheduled with backoff (still pending),
	// deliveries at or past maxAttempts become terminally failed. Returns
	// how many of deliveryIDs landed in the terminal failed state.
	MarkFailed(ctx context.Context, deliveryIDs []uuid.UUID, errMsg string, maxAttempts int, baseDelayMs, maxDelayMs int64) (deadLettered int, err error)
	ScheduleRetryNoIncrement(ctx context.Context, deliveryIDs []uuid.UUID, delayMs int64) error
	RollupEventStatus(ctx context.Context, eventID uuid.UUID) error
	ResetStuck(ctx context.Context) (int, error)
	AckDelivery(ctx context.Context, orgID string, eventID uuid.UUID, subscriberConnectionID string) (bool, error)

	Subscribe(ctx context.Context, orgID string, input SubscribeInput) (Subscription, error)
	Unsubscribe(ctx context.Context, orgID string, id uuid.UUID) (bool, error)
	GetSubscription(ctx context.Context, orgID string, id uuid.UUID) (Subscription, error)
	ListSubscriptions(ctx context.Context, orgID string, connectionID *string) ([]Subscription, error)
	SyncSubscriptions(ctx context.Context, orgID, connectionID string, desired []DesiredSubscription) (SyncResult, error)
}

// RetryDelay computes baseDelayMs * 2^(attempts-1), capped at maxDelayMs.
// attempts is 1-based (the attempt count after incrementing on this
// failure). This is the exact retry policy from spec.md §4.1's
// markFailed.
func RetryDelay(attempts int, baseDelayMs, maxDelayMs int64) int64 {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelayMs
	for i := 1; i < attempts && delay < maxDelayMs; i++ {
		delay *= 2
	}
	if delay > maxDelayMs {
		delay = maxDelayMs
	}
	return delay
}

// Package bus is the programmatic facade described in spec.md §6: the
// one surface application code talks to, wiring together a Store, a
// Notifier, a NotifyStrategy, and the Worker that drives delivery.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/eventbus/cron"
	"github.com/fluxgate/eventbus/notifier"
	"github.com/fluxgate/eventbus/notify"
	"github.com/fluxgate/eventbus/observability"
	"github.com/fluxgate/eventbus/store"
	"github.com/fluxgate/eventbus/worker"
)

// Bus is the tenant-scoped facade over Store + Worker + NotifyStrategy.
// All operations are safe for concurrent use.
type Bus struct {
	store    store.Store
	strategy notify.Strategy
	worker   *worker.Worker
	cfg      Config
	obs      *observability.Subject

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New wires a Bus from its dependencies. strategy must be non-nil:
// Start, Stop and Publish call it unconditionally. Build one with
// notify.Select (see cmd/busd for the wiring order: Store ->
// notify.Select -> Worker -> Bus).
func New(s store.Store, n notifier.Notifier, strategy notify.Strategy, cfg Config, metrics *worker.Metrics, obs *observability.Subject) *Bus {
	wcfg := worker.Config{
		BatchSize:                cfg.BatchSize,
		MaxAttempts:              cfg.MaxAttempts,
		BaseDelayMs:              cfg.RetryDelayMs,
		MaxDelayMs:               cfg.MaxDelayMs,
		DeliverTimeout:           cfg.DeliverTimeout,
		MaxConcurrentConnections: cfg.MaxConcurrentConnections,
	}
	return &Bus{
		store:    s,
		strategy: strategy,
		worker:   worker.New(s, n, wcfg, metrics, obs),
		cfg:      cfg,
		obs:      obs,
	}
}

// Start is idempotent: a Bus already running returns nil immediately.
// It resets stuck deliveries (Worker.Start), then starts the
// NotifyStrategy with a wake callback that drives one processNow batch
// per notification.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	if err := b.worker.Start(ctx); err != nil {
		return fmt.Errorf("bus: start worker: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	if err := b.strategy.Start(bgCtx, func() {
		go func() {
			if err := b.worker.ProcessNow(bgCtx); err != nil {
				b.emit("bus.process_error", map[string]any{"error": err.Error()})
			}
		}()
	}); err != nil {
		cancel()
		b.worker.Stop()
		return fmt.Errorf("bus: start notify strategy: %w", err)
	}

	b.cancel = cancel
	b.running = true
	return nil
}

// Stop is idempotent. It stops the NotifyStrategy and the Worker's
// acceptance of new batches, then waits up to cfg.ShutdownTimeout for
// any in-flight processNow to finish its writes (it does not forcibly
// cancel that batch). Returns an error on timeout; the batch keeps
// running in the background regardless.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	b.worker.Stop()
	if err := b.strategy.Stop(); err != nil {
		b.emit("bus.strategy_stop_error", map[string]any{"error": err.Error()})
	}
	cancel()

	deadline := time.Now().Add(b.cfg.ShutdownTimeout)
	for b.worker.Busy() {
		if time.Now().After(deadline) {
			return fmt.Errorf("bus: shutdown timed out after %s waiting for in-flight batch", b.cfg.ShutdownTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Publish records a new Event and fans out Deliveries to every
// matching Subscription. Per spec.md §4.4, a cron publish computes
// firstRun (the next fire strictly after now) and schedules deliveries
// there instead of immediately; per spec.md §4.5, the NotifyStrategy is
// only woken for truly immediate publishes (no deliverAt, no cron) —
// scheduled first-runs and deferred deliveries wait for the next poll.
func (b *Bus) Publish(ctx context.Context, orgID string, input store.PublishInput) (store.Event, error) {
	if input.DeliverAt != nil && input.Cron != nil {
		return store.Event{}, store.NewInvalidInputError(store.ErrMutuallyExclusive)
	}

	deliverAt := input.DeliverAt
	if input.Cron != nil {
		expr, err := cron.Parse(*input.Cron)
		if err != nil {
			return store.Event{}, store.NewInvalidInputError(err)
		}
		next, _ := expr.Next(time.Now().UTC())
		deliverAt = &next
	}

	before := time.Now().UTC()
	event, err := b.store.InsertEvent(ctx, orgID, input)
	if err != nil {
		return store.Event{}, err
	}
	// Cron idempotency (spec.md §4.1) may have returned an already-active
	// event from an earlier publish call instead of inserting a new row:
	// only fan out deliveries for an event this call actually inserted,
	// identified by its CreatedAt falling at or after the instant this
	// call started (an idempotent-returned row was created strictly
	// earlier, by definition).
	if !event.CreatedAt.Before(before) {
		subs, err := b.store.MatchSubscriptions(ctx, event)
		if err != nil {
			return event, err
		}
		if len(subs) > 0 {
			ids := make([]uuid.UUID, len(subs))
			for i, s := range subs {
				ids[i] = s.ID
			}
			if err := b.store.InsertDeliveries(ctx, event.ID, ids, deliverAt); err != nil {
				return event, err
			}
		}
		b.emit("bus.published", map[string]any{"event_id": event.ID.String(), "type": event.Type, "subscribers": len(subs)})
	}

	if deliverAt == nil {
		b.wake(ctx, event.ID)
	}
	return event, nil
}

// Subscribe registers (or idempotently re-registers) a connection's
// interest in an event type.
func (b *Bus) Subscribe(ctx context.Context, orgID string, input store.SubscribeInput) (store.Subscription, error) {
	return b.store.Subscribe(ctx, orgID, input)
}

// Unsubscribe removes a subscription by id. Returns false if it didn't exist.
func (b *Bus) Unsubscribe(ctx context.Context, orgID string, id uuid.UUID) (bool, error) {
	return b.store.Unsubscribe(ctx, orgID, id)
}

// ListSubscriptions returns every subscription for orgID, optionally
// filtered to one connection.
func (b *Bus) ListSubscriptions(ctx context.Context, orgID string, connectionID *string) ([]store.Subscription, error) {
	return b.store.ListSubscriptions(ctx, orgID, connectionID)
}

// GetSubscription fetches a subscription by id.
func (b *Bus) GetSubscription(ctx context.Context, orgID string, id uuid.UUID) (store.Subscription, error) {
	return b.store.GetSubscription(ctx, orgID, id)
}

// GetEvent fetches an event by id, with its rolled-up delivery status.
func (b *Bus) GetEvent(ctx context.Context, orgID string, id uuid.UUID) (store.Event, error) {
	return b.store.GetEvent(ctx, orgID, id)
}

// CancelEvent cancels a non-terminal event. Only the original
// publisher's connection id may cancel; any other caller sees
// {success:false} (spec.md §7, NotFound kind), never an error.
func (b *Bus) CancelEvent(ctx context.Context, orgID string, eventID uuid.UUID, callerConnectionID string) (bool, error) {
	return b.store.CancelEvent(ctx, orgID, eventID, callerConnectionID)
}

// AckEvent acknowledges delivery on behalf of a subscriber connection.
// Only deliveries whose subscription belongs to subscriberConnectionID
// are affected. AckDelivery rolls up the parent event's status itself.
func (b *Bus) AckEvent(ctx context.Context, orgID string, eventID uuid.UUID, subscriberConnectionID string) (bool, error) {
	return b.store.AckDelivery(ctx, orgID, eventID, subscriberConnectionID)
}

// SyncSubscriptions reconciles connectionID's subscriptions against a
// desired-state list: creates missing ones, updates changed filters,
// deletes ones no longer desired.
func (b *Bus) SyncSubscriptions(ctx context.Context, orgID, connectionID string, desired []store.DesiredSubscription) (store.SyncResult, error) {
	return b.store.SyncSubscriptions(ctx, orgID, connectionID, desired)
}

// wake pokes the NotifyStrategy so a prompt delivery pass happens
// instead of waiting for the next poll interval. Best-effort: Notify
// errors are logged, not surfaced, per spec.md §7's NotifyStrategy
// propagation policy.
func (b *Bus) wake(ctx context.Context, eventID uuid.UUID) {
	if err := b.strategy.Notify(ctx, eventID); err != nil {
		b.emit("bus.notify_error", map[string]any{"error": err.Error()})
	}
}

func (b *Bus) emit(name string, attrs map[string]any) {
	if b.obs == nil {
		return
	}
	b.obs.Emit(observability.Event{Name: name, Attributes: attrs})
}

// Package worker drives delivery from claimed store work: claim,
// group by connection, invoke the Notifier, apply results, roll up
// event status, and reschedule cron recurrences.
package worker

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/eventbus/cloudevent"
	"github.com/fluxgate/eventbus/cron"
	"github.com/fluxgate/eventbus/notifier"
	"github.com/fluxgate/eventbus/observability"
	"github.com/fluxgate/eventbus/store"
)

// Config tunes one Worker instance. See spec.md §4.3/§9 defaults.
type Config struct {
	BatchSize   int
	MaxAttempts int
	BaseDelayMs int64
	MaxDelayMs  int64

	// DeliverTimeout bounds a single Notifier.Deliver call.
	DeliverTimeout time.Duration

	// MaxConcurrentConnections bounds how many connection groups are
	// dispatched to Notifier.Deliver concurrently within one
	// processNow batch. 0 means unlimited.
	MaxConcurrentConnections int
}

// DefaultConfig mirrors the defaults spec.md §9 calls out.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		MaxAttempts:    20,
		BaseDelayMs:    1000,
		MaxDelayMs:     3_600_000,
		DeliverTimeout: 30 * time.Second,
	}
}

// Worker is the claim/dispatch/retry state machine. State machine:
// running and processing are independent booleans; start sets
// running=true after Store.ResetStuck; stop sets running=false;
// processNow no-ops if not running or if already processing
// (single-flight per instance), per spec.md §4.3/§5.
type Worker struct {
	store    store.Store
	notifier notifier.Notifier
	cfg      Config
	metrics  *Metrics
	obs      *observability.Subject

	running    atomic.Bool
	processing atomic.Bool
}

// New constructs a Worker. metrics and obs may be nil.
func New(s store.Store, n notifier.Notifier, cfg Config, metrics *Metrics, obs *observability.Subject) *Worker {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Worker{store: s, notifier: n, cfg: cfg, metrics: metrics, obs: obs}
}

// Start resets any deliveries stuck in "processing" (from a prior
// crash) and marks the worker running.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.store.ResetStuck(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.emit("worker.reset_stuck", map[string]any{"count": n})
	}
	w.running.Store(true)
	return nil
}

// Stop marks the worker as no longer running. It does not interrupt
// an in-flight ProcessNow; callers that need to wait for that should
// do so externally (see bus.Bus.Stop).
func (w *Worker) Stop() {
	w.running.Store(false)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Busy reports whether a ProcessNow call is currently in flight on this
// instance. Used by callers that need to wait for an in-flight batch's
// writes to finish before tearing down (see bus.Bus.Stop).
func (w *Worker) Busy() bool {
	return w.processing.Load()
}

// ProcessNow claims one batch of pending deliveries and drives them to
// completion. It is a no-op if the worker is not running or if another
// call is already in flight on this instance (single-flight).
func (w *Worker) ProcessNow(ctx context.Context) error {
	if !w.running.Load() {
		return nil
	}
	if !w.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer w.processing.Store(false)

	claims, err := w.store.ClaimPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return nil
	}
	w.metrics.Claimed(len(claims))
	w.emit("worker.batch_claimed", map[string]any{"count": len(claims)})

	groups := groupByConnection(claims)

	if err := w.dispatchGroups(ctx, groups); err != nil {
		return err
	}

	return w.rollupAndReschedule(ctx, claims)
}

// connectionGroup is every claim destined for one subscriber
// connection, with events deduplicated by id (spec.md §4.3 step 2:
// two subscriptions of the same connection to the same event produce
// one CloudEvent payload but two delivery ids to update).
type connectionGroup struct {
	connectionID string
	claims       []store.Claim
	events       []cloudevent.Event
	// deliveryIDsByEvent maps event id (string form) to every delivery
	// id in this group backing that event.
	deliveryIDsByEvent map[string][]uuid.UUID
}

func groupByConnection(claims []store.Claim) []*connectionGroup {
	byConn := make(map[string]*connectionGroup)
	var order []string

	for _, c := range claims {
		connID := c.Subscription.ConnectionID
		g, ok := byConn[connID]
		if !ok {
			g = &connectionGroup{connectionID: connID, deliveryIDsByEvent: make(map[string][]uuid.UUID)}
			byConn[connID] = g
			order = append(order, connID)
		}
		g.claims = append(g.claims, c)

		key := c.Event.ID.String()
		if _, seen := g.deliveryIDsByEvent[key]; !seen {
			g.events = append(g.events, eventToCloudEvent(c.Event))
		}
		g.deliveryIDsByEvent[key] = append(g.deliveryIDsByEvent[key], c.Delivery.ID)
	}

	groups := make([]*connectionGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, byConn[id])
	}
	return groups
}

func eventToCloudEvent(e store.Event) cloudevent.Event {
	var subject, dataSchema string
	if e.Subject != nil {
		subject = *e.Subject
	}
	if e.DataSchema != nil {
		dataSchema = *e.DataSchema
	}
	return cloudevent.New(e.ID.String(), e.Source, e.Type, e.Time, subject, e.DataContentType, dataSchema, e.Data)
}

// dispatchGroups calls Notifier.Deliver once per connection group,
// bounded by Config.MaxConcurrentConnections via errgroup, and applies
// each group's BatchResult to the store. At most one in-flight call
// per connection id per wake-up is implied by each group being
// dispatched exactly once here.
func (w *Worker) dispatchGroups(ctx context.Context, groups []*connectionGroup) error {
	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.MaxConcurrentConnections > 0 {
		g.SetLimit(w.cfg.MaxConcurrentConnections)
	}

	for _, group := range groups {
		group := group
		g.Go(func() error {
			return w.dispatchGroup(ctx, group)
		})
	}
	return g.Wait()
}

func (w *Worker) dispatchGroup(ctx context.Context, group *connectionGroup) error {
	deliverCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.DeliverTimeout > 0 {
		deliverCtx, cancel = context.WithTimeout(ctx, w.cfg.DeliverTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := w.notifier.Deliver(deliverCtx, group.connectionID, group.events)
	w.metrics.DeliverLatency(time.Since(start))

	if err != nil {
		return w.applyBatchFailure(ctx, group, err.Error())
	}
	return w.applyResult(ctx, group, result)
}

// applyBatchFailure treats a Deliver error as a whole-batch failure
// (spec.md §4.3 step 3: "a hard timeout or thrown error is treated as
// a batch-level failure").
func (w *Worker) applyBatchFailure(ctx context.Context, group *connectionGroup, errMsg string) error {
	allIDs := allDeliveryIDs(group)
	deadLettered, err := w.store.MarkFailed(ctx, allIDs, errMsg, w.cfg.MaxAttempts, w.cfg.BaseDelayMs, w.cfg.MaxDelayMs)
	if err != nil {
		return err
	}
	w.recordFailure(len(allIDs), deadLettered)
	return nil
}

// recordFailure splits a MarkFailed call's ids between the retried and
// dead-lettered counters.
func (w *Worker) recordFailure(total, deadLettered int) {
	if deadLettered > 0 {
		w.metrics.DeadLettered(deadLettered)
	}
	if retried := total - deadLettered; retried > 0 {
		w.metrics.Retried(retried)
	}
}

func allDeliveryIDs(group *connectionGroup) []uuid.UUID {
	var ids []uuid.UUID
	for _, perEvent := range group.deliveryIDsByEvent {
		ids = append(ids, perEvent...)
	}
	return ids
}

// applyResult interprets a BatchResult per spec.md §4.3 step 4:
// per-event mode when Results is non-empty, else batch mode.
func (w *Worker) applyResult(ctx context.Context, group *connectionGroup, result notifier.BatchResult) error {
	if len(result.Results) > 0 {
		return w.applyPerEvent(ctx, group, result)
	}
	return w.applyBatch(ctx, group, result)
}

func (w *Worker) applyBatch(ctx context.Context, group *connectionGroup, result notifier.BatchResult) error {
	allIDs := allDeliveryIDs(group)

	switch {
	case result.Success != nil && *result.Success:
		if err := w.store.MarkDelivered(ctx, allIDs); err != nil {
			return err
		}
		w.metrics.Delivered(len(allIDs))
	case result.RetryAfterMs > 0:
		if err := w.store.ScheduleRetryNoIncrement(ctx, allIDs, result.RetryAfterMs); err != nil {
			return err
		}
	default:
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "Subscriber returned success=false"
		}
		deadLettered, err := w.store.MarkFailed(ctx, allIDs, errMsg, w.cfg.MaxAttempts, w.cfg.BaseDelayMs, w.cfg.MaxDelayMs)
		if err != nil {
			return err
		}
		w.recordFailure(len(allIDs), deadLettered)
	}
	return nil
}

// applyPerEvent classifies each event in the group as delivered,
// deferred, or failed, falling back to the batch-level fields when an
// event id has no entry in Results. Deferred events are grouped by
// delay and failed events by error string before calling the store,
// per spec.md §4.3 step 4.
func (w *Worker) applyPerEvent(ctx context.Context, group *connectionGroup, result notifier.BatchResult) error {
	var delivered []uuid.UUID
	deferredByDelay := make(map[int64][]uuid.UUID)
	failedByError := make(map[string][]uuid.UUID)

	for eventID, ids := range group.deliveryIDsByEvent {
		per, ok := result.Results[eventID]
		if !ok {
			per = PerEventResult(result)
		}

		switch {
		case per.RetryAfterMs > 0:
			deferredByDelay[per.RetryAfterMs] = append(deferredByDelay[per.RetryAfterMs], ids...)
		case per.Success != nil && *per.Success:
			delivered = append(delivered, ids...)
		default:
			errMsg := per.Error
			if errMsg == "" {
				errMsg = "Subscriber returned success=false"
			}
			failedByError[errMsg] = append(failedByError[errMsg], ids...)
		}
	}

	if len(delivered) > 0 {
		if err := w.store.MarkDelivered(ctx, delivered); err != nil {
			return err
		}
		w.metrics.Delivered(len(delivered))
	}
	for delay, ids := range deferredByDelay {
		if err := w.store.ScheduleRetryNoIncrement(ctx, ids, delay); err != nil {
			return err
		}
	}
	for errMsg, ids := range failedByError {
		deadLettered, err := w.store.MarkFailed(ctx, ids, errMsg, w.cfg.MaxAttempts, w.cfg.BaseDelayMs, w.cfg.MaxDelayMs)
		if err != nil {
			return err
		}
		w.recordFailure(len(ids), deadLettered)
	}
	return nil
}

// PerEventResult derives a notifier.PerEventResult from the
// batch-level fields, for events absent from BatchResult.Results.
func PerEventResult(r notifier.BatchResult) notifier.PerEventResult {
	return notifier.PerEventResult{Success: r.Success, Error: r.Error, RetryAfterMs: r.RetryAfterMs}
}

// rollupAndReschedule rolls up every distinct event touched by this
// batch, then reschedules the next cron tick for any cron event among
// them, per spec.md §4.3 step 5 and §4.4.
func (w *Worker) rollupAndReschedule(ctx context.Context, claims []store.Claim) error {
	seen := make(map[uuid.UUID]store.Event)
	var order []uuid.UUID
	for _, c := range claims {
		if _, ok := seen[c.Event.ID]; !ok {
			seen[c.Event.ID] = c.Event
			order = append(order, c.Event.ID)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].String() < order[j].String() })

	for _, id := range order {
		if err := w.store.RollupEventStatus(ctx, id); err != nil {
			return err
		}
		event := seen[id]
		if event.Cron != nil {
			if err := w.scheduleNextCronDelivery(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// scheduleNextCronDelivery computes the next fire time for event's
// cron expression, re-matches subscriptions (they may have changed
// since the expression was parsed), and inserts new deliveries. No new
// deliveries are written if the schedule is exhausted or there are no
// matching subscriptions, per spec.md §4.4.
func (w *Worker) scheduleNextCronDelivery(ctx context.Context, event store.Event) error {
	current, err := w.store.GetEvent(ctx, event.OrgID, event.ID)
	if err != nil {
		return err
	}
	if current.Status == store.StatusFailed {
		// Cancelled by its publisher since this batch was claimed; a
		// cancelled cron event stays cancelled (spec.md §4.4).
		return nil
	}

	expr, err := cron.Parse(*event.Cron)
	if err != nil {
		return err
	}
	next, ok := expr.Next(time.Now().UTC())
	if !ok {
		w.emit("worker.cron_exhausted", map[string]any{"event_id": event.ID.String()})
		return nil
	}

	subs, err := w.store.MatchSubscriptions(ctx, event)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	if err := w.store.InsertDeliveries(ctx, event.ID, ids, &next); err != nil {
		return err
	}
	w.emit("worker.cron_rescheduled", map[string]any{
		"event_id": event.ID.String(),
		"next":     next,
	})
	return nil
}

func (w *Worker) emit(name string, attrs map[string]any) {
	if w.obs == nil {
		return
	}
	w.obs.Emit(observability.Event{Name: name, Time: time.Now(), Attributes: attrs})
}

package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/eventbus/cloudevent"
	"github.com/fluxgate/eventbus/notifier"
	"github.com/fluxgate/eventbus/store"
)

func ptrString(s string) *string { return &s }

type fakeNotifier struct {
	mu    sync.Mutex
	calls []deliverCall
	fn    func(connectionID string, events []cloudevent.Event) (notifier.BatchResult, error)
}

type deliverCall struct {
	connectionID string
	events       []cloudevent.Event
}

func (f *fakeNotifier) Deliver(_ context.Context, connectionID string, events []cloudevent.Event) (notifier.BatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, deliverCall{connectionID: connectionID, events: events})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(connectionID, events)
	}
	success := true
	return notifier.BatchResult{Success: &success}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 50
	return cfg
}

func TestProcessNowFansOutToMultipleConnections(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	subA, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "widget.created"})
	require.NoError(t, err)
	subB, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-b", EventType: "widget.created"})
	require.NoError(t, err)

	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{subA.ID, subB.ID}, nil))

	n := &fakeNotifier{}
	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ProcessNow(ctx))

	n.mu.Lock()
	require.Len(t, n.calls, 2)
	n.mu.Unlock()

	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDelivered, got.Status)
}

func TestProcessNowDedupesEventsWithinConnectionGroup(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub1, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "t1"})
	require.NoError(t, err)
	sub2, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "t1", Publisher: ptrString("svc-a")})
	require.NoError(t, err)

	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub1.ID, sub2.ID}, nil))

	n := &fakeNotifier{}
	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ProcessNow(ctx))

	n.mu.Lock()
	require.Len(t, n.calls, 1, "a single connection group dispatches once")
	require.Len(t, n.calls[0].events, 1, "the duplicate event id collapses to one CloudEvent payload")
	n.mu.Unlock()
}

func TestProcessNowRetriesWithBackoffThenDeadLetters(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "t1"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	failure := false
	n := &fakeNotifier{fn: func(string, []cloudevent.Event) (notifier.BatchResult, error) {
		return notifier.BatchResult{Success: &failure, Error: "subscriber down"}, nil
	}}

	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.BaseDelayMs = 0
	cfg.MaxDelayMs = 0
	w := New(s, n, cfg, nil, nil)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, w.ProcessNow(ctx))
	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, got.Status, "one failed attempt still has retries left")

	require.NoError(t, w.ProcessNow(ctx))
	got, err = s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status, "second attempt exhausts MaxAttempts=2")
}

func TestProcessNowPerEventResultsDeferOneAndDeliverAnother(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	subOK, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "ok"})
	require.NoError(t, err)
	subDefer, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "deferred"})
	require.NoError(t, err)

	eOK, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "ok"})
	require.NoError(t, err)
	eDefer, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "deferred"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, eOK.ID, []uuid.UUID{subOK.ID}, nil))
	require.NoError(t, s.InsertDeliveries(ctx, eDefer.ID, []uuid.UUID{subDefer.ID}, nil))

	success := true
	n := &fakeNotifier{fn: func(_ string, events []cloudevent.Event) (notifier.BatchResult, error) {
		results := make(map[string]notifier.PerEventResult)
		for _, e := range events {
			if e.ID() == eOK.ID.String() {
				results[e.ID()] = notifier.PerEventResult{Success: &success}
			} else {
				results[e.ID()] = notifier.PerEventResult{RetryAfterMs: 5000}
			}
		}
		return notifier.BatchResult{Results: results}, nil
	}}

	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ProcessNow(ctx))

	gotOK, err := s.GetEvent(ctx, "org1", eOK.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDelivered, gotOK.Status)

	gotDefer, err := s.GetEvent(ctx, "org1", eDefer.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, gotDefer.Status, "deferred event keeps retrying without a new attempt charged")
}

func TestProcessNowNoopWhenNotRunning(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	n := &fakeNotifier{}
	w := New(s, n, testConfig(), nil, nil)

	require.NoError(t, w.ProcessNow(ctx))
	n.mu.Lock()
	require.Empty(t, n.calls)
	n.mu.Unlock()
}

func TestProcessNowSingleFlight(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "t1"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	release := make(chan struct{})
	started := make(chan struct{})
	n := &fakeNotifier{fn: func(string, []cloudevent.Event) (notifier.BatchResult, error) {
		close(started)
		<-release
		success := true
		return notifier.BatchResult{Success: &success}, nil
	}}

	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- w.ProcessNow(ctx) }()

	<-started
	require.NoError(t, w.ProcessNow(ctx), "a concurrent call while processing must no-op, not error or block")

	close(release)
	require.NoError(t, <-done)
}

func TestScheduleNextCronDeliveryAfterBatch(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "heartbeat"})
	require.NoError(t, err)

	cronExpr := "* * * * *"
	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "heartbeat", Cron: &cronExpr})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	n := &fakeNotifier{}
	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ProcessNow(ctx))

	subs, err := s.ListSubscriptions(ctx, "org1", nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	// A second immediate ProcessNow should find nothing eligible yet:
	// the rescheduled delivery's nextRetryAt is in the future.
	require.NoError(t, w.ProcessNow(ctx))
	n.mu.Lock()
	require.Len(t, n.calls, 1, "the rescheduled cron delivery hasn't come due")
	n.mu.Unlock()
}

func TestScheduleNextCronDeliverySkippedAfterCancel(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "heartbeat"})
	require.NoError(t, err)

	cronExpr := "* * * * *"
	e, err := s.InsertEvent(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "heartbeat", Cron: &cronExpr})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	n := &fakeNotifier{}
	w := New(s, n, testConfig(), nil, nil)
	require.NoError(t, w.Start(ctx))

	// Cancel races with the in-flight batch: by the time this Worker
	// instance goes to reschedule the next cron tick, the publisher has
	// already cancelled the event. scheduleNextCronDelivery is called
	// directly (white-box) with the stale, pre-cancel Event snapshot the
	// batch would have carried, to isolate the race from claimPending's
	// own (correct, and separately tested) handling of the cancelled
	// delivery.
	ok, err := s.CancelEvent(ctx, "org1", e.ID, "svc-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, w.scheduleNextCronDelivery(ctx, e))

	// No new delivery should have been scheduled for the cancelled event.
	claims, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claims)
}

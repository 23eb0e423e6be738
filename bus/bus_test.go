package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxgate/eventbus/cloudevent"
	"github.com/fluxgate/eventbus/notifier"
	"github.com/fluxgate/eventbus/notify"
	"github.com/fluxgate/eventbus/store"
)

type fakeNotifier struct{}

func (f *fakeNotifier) Deliver(_ context.Context, _ string, _ []cloudevent.Event) (notifier.BatchResult, error) {
	success := true
	return notifier.BatchResult{Success: &success}, nil
}

func newTestBus(t *testing.T) (*Bus, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.PollIntervalMs = 50
	cfg.ShutdownTimeout = 2 * time.Second
	strategy := notify.NewPolling(time.Duration(cfg.PollIntervalMs) * time.Millisecond)
	b := New(s, &fakeNotifier{}, strategy, cfg, nil, nil)
	return b, s
}

func TestBusStartStopIdempotent(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.True(t, b.IsRunning())
	require.NoError(t, b.Start(ctx), "starting twice is a no-op")

	require.NoError(t, b.Stop(ctx))
	require.False(t, b.IsRunning())
	require.NoError(t, b.Stop(ctx), "stopping twice is a no-op")
}

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	_, err := b.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "widget.created"})
	require.NoError(t, err)

	event, err := b.Publish(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := b.GetEvent(ctx, "org1", event.ID)
		return err == nil && got.Status == store.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestBusCancelEventOnlyPublisherConnection(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	event, err := b.Publish(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)

	ok, err := b.CancelEvent(ctx, "org1", event.ID, "svc-b")
	require.NoError(t, err)
	require.False(t, ok, "a connection other than the publisher cannot cancel")

	ok, err = b.CancelEvent(ctx, "org1", event.ID, "svc-a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBusSyncSubscriptionsReconciles(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "a"})
	require.NoError(t, err)

	result, err := b.SyncSubscriptions(ctx, "org1", "conn-a", []store.DesiredSubscription{
		{EventType: "a"},
		{EventType: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Equal(t, 1, result.Unchanged)
	require.Equal(t, 0, result.Deleted)

	subs, err := b.ListSubscriptions(ctx, "org1", nil)
	require.NoError(t, err)
	require.Len(t, subs, 2)
}

func TestBusPublishCronSchedulesFirstRunAndIsIdempotent(t *testing.T) {
	b, s := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "tick"})
	require.NoError(t, err)

	cronExpr := "*/5 * * * *"
	first, err := b.Publish(ctx, "org1", store.PublishInput{Source: "pubX", Type: "tick", Cron: &cronExpr})
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, first.Status)

	second, err := b.Publish(ctx, "org1", store.PublishInput{Source: "pubX", Type: "tick", Cron: &cronExpr})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "cron publish is idempotent per (orgId, type, source, cron)")

	claims, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claims, "the first cron tick is scheduled in the future, not immediately claimable")
}

func TestBusPublishInvalidCronRejected(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	bogus := "not a cron expression"
	_, err := b.Publish(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "tick", Cron: &bogus})
	require.Error(t, err)
}

func TestBusAckEventMarksDelivered(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "org1", store.SubscribeInput{ConnectionID: "conn-a", EventType: "widget.created"})
	require.NoError(t, err)
	event, err := b.Publish(ctx, "org1", store.PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)

	ok, err := b.AckEvent(ctx, "org1", event.ID, "conn-a")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.GetEvent(ctx, "org1", event.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDelivered, got.Status)
}

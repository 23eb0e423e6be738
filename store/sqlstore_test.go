package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// newTestSQLStore opens an in-process SQLite database and runs the
// full migration set against it, per SPEC_FULL.md §8: the SQLite
// dialect exercises the state machine without any external service.
func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	runner := NewMigrationRunner(db, SQLite)
	require.NoError(t, runner.Run(context.Background(), Migrations(SQLite)))

	return NewSQLStore(db, SQLite)
}

func TestSQLStoreInsertAndGetEvent(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
	require.Equal(t, "application/json", e.DataContentType)

	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)
	require.Equal(t, "widget.created", got.Type)

	_, err = s.GetEvent(ctx, "org-other", e.ID)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestSQLStoreInsertEventMutuallyExclusive(t *testing.T) {
	s := newTestSQLStore(t)
	now := time.Now().Add(time.Hour)
	cron := "* * * * *"
	_, err := s.InsertEvent(context.Background(), "org1", PublishInput{
		Source: "svc-a", Type: "t", DeliverAt: &now, Cron: &cron,
	})
	require.ErrorIs(t, err, ErrMutuallyExclusive)
}

func TestSQLStoreCronIdempotency(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()
	cron := "*/5 * * * *"

	first, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "heartbeat", Cron: &cron})
	require.NoError(t, err)

	second, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "heartbeat", Cron: &cron})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "re-publishing the same cron tuple while non-terminal must return the existing event")
}

func TestSQLStoreFanOutAndClaim(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	subA, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "widget.created"})
	require.NoError(t, err)
	subB, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-b", EventType: "widget.created"})
	require.NoError(t, err)

	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)

	subs, err := s.MatchSubscriptions(ctx, e)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	ids := []uuid.UUID{subA.ID, subB.ID}
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, ids, nil))

	claims, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	for _, c := range claims {
		require.Equal(t, StatusProcessing, c.Delivery.Status)
		require.Equal(t, e.ID, c.Event.ID)
	}

	// A second claim attempt must see nothing eligible: both rows are
	// already "processing".
	second, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestSQLStoreRetryBackoffAndDeadLetter(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "widget.created"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "widget.created"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	claims, err := s.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	deliveryID := claims[0].Delivery.ID

	deadLettered, err := s.MarkFailed(ctx, []uuid.UUID{deliveryID}, "boom", 3, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, deadLettered, "first failure is still under maxAttempts")
	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status, "rollup happens separately from markFailed")

	claims, err = s.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, claims, "next_retry_at has not elapsed yet")

	// Exhaust attempts.
	deadLettered, err = s.MarkFailed(ctx, []uuid.UUID{deliveryID}, "boom", 3, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, deadLettered, "second failure is still under maxAttempts")
	deadLettered, err = s.MarkFailed(ctx, []uuid.UUID{deliveryID}, "boom", 3, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, deadLettered, "third failure reaches maxAttempts=3")
}

func TestSQLStoreCancelEvent(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "t"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))

	ok, err := s.CancelEvent(ctx, "org1", e.ID, "svc-other")
	require.NoError(t, err)
	require.False(t, ok, "only the publishing connection may cancel")

	ok, err = s.CancelEvent(ctx, "org1", e.ID, "svc-a")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	ok, err = s.CancelEvent(ctx, "org1", e.ID, "svc-a")
	require.NoError(t, err)
	require.False(t, ok, "cancelling a terminal event is a no-op")
}

func TestSQLStoreAckDeliveryRollsUpEvent(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "t"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))
	_, err = s.ClaimPending(ctx, 1)
	require.NoError(t, err)

	ok, err := s.AckDelivery(ctx, "org1", e.ID, "conn-a")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetEvent(ctx, "org1", e.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Status)
}

func TestSQLStoreSyncSubscriptions(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "alpha"})
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "beta"})
	require.NoError(t, err)

	filter := "payload.kind == 'x'"
	result, err := s.SyncSubscriptions(ctx, "org1", "conn-a", []DesiredSubscription{
		{EventType: "alpha", Filter: &filter},
		{EventType: "gamma"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Created, "gamma is new")
	require.Equal(t, 1, result.Updated, "alpha's filter changed")
	require.Equal(t, 1, result.Deleted, "beta was dropped")

	subs, err := s.ListSubscriptions(ctx, "org1", strPtr("conn-a"))
	require.NoError(t, err)
	require.Len(t, subs, 2)
}

func TestSQLStoreResetStuck(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "org1", SubscribeInput{ConnectionID: "conn-a", EventType: "t"})
	require.NoError(t, err)
	e, err := s.InsertEvent(ctx, "org1", PublishInput{Source: "svc-a", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, s.InsertDeliveries(ctx, e.ID, []uuid.UUID{sub.ID}, nil))
	_, err = s.ClaimPending(ctx, 1)
	require.NoError(t, err)

	n, err := s.ResetStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	claims, err := s.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
}

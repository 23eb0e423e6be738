package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPollingFiresOnTimer(t *testing.T) {
	p := NewPolling(10 * time.Millisecond)
	var fires int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx, func() { atomic.AddInt32(&fires, 1) }))
	defer func() { _ = p.Stop() }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fires) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestPollingNotifyWakesImmediately(t *testing.T) {
	p := NewPolling(time.Hour) // long enough that only Notify should fire it
	var fires int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx, func() { atomic.AddInt32(&fires, 1) }))
	defer func() { _ = p.Stop() }()

	require.NoError(t, p.Notify(ctx, uuid.New()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fires) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollingStopHaltsFiring(t *testing.T) {
	p := NewPolling(5 * time.Millisecond)
	var fires int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx, func() { atomic.AddInt32(&fires, 1) }))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fires) >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	after := atomic.LoadInt32(&fires)
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&fires), after+1, "no further fires after Stop")
}

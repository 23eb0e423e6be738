package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxgate/eventbus/cloudevent"
)

func TestLoggingNotifierReportsSuccess(t *testing.T) {
	n := NewLoggingNotifier(zap.NewNop())

	e := cloudevent.New("evt-1", "svc-a", "widget.created", time.Now(), "", "application/json", "", nil)
	result, err := n.Deliver(context.Background(), "conn-a", []cloudevent.Event{e})
	require.NoError(t, err)
	require.NotNil(t, result.Success)
	require.True(t, *result.Success)
	require.Empty(t, result.Results)
}

package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxgate/eventbus/cloudevent"
)

// LoggingNotifier is a reference Notifier that logs each delivered
// batch and reports unconditional success. Useful for demos and as a
// default in cmd/busd when no real subscriber transport is wired in.
type LoggingNotifier struct {
	logger *zap.Logger
}

// NewLoggingNotifier wraps logger.
func NewLoggingNotifier(logger *zap.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Deliver(_ context.Context, connectionID string, events []cloudevent.Event) (BatchResult, error) {
	for _, e := range events {
		n.logger.Info("delivering event",
			zap.String("connection_id", connectionID),
			zap.String("event_id", e.ID()),
			zap.String("event_type", e.Type()),
		)
	}
	success := true
	return BatchResult{Success: &success}, nil
}

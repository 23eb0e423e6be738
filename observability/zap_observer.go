package observability

import (
	"context"

	"go.uber.org/zap"
)

// ZapObserver bridges Subject notifications into structured zap
// logging, grounded on the teacher's database service holding an
// injected logger and logging operational events through it directly.
type ZapObserver struct {
	id     string
	logger *zap.Logger
}

// NewZapObserver wraps logger. id distinguishes this observer in
// Subject's registry (only relevant if more than one is registered).
func NewZapObserver(id string, logger *zap.Logger) *ZapObserver {
	return &ZapObserver{id: id, logger: logger}
}

func (z *ZapObserver) OnEvent(_ context.Context, event Event) error {
	fields := make([]zap.Field, 0, len(event.Attributes)+1)
	fields = append(fields, zap.Time("event_time", event.Time))
	for k, v := range event.Attributes {
		fields = append(fields, zap.Any(k, v))
	}
	z.logger.Info(event.Name, fields...)
	return nil
}

func (z *ZapObserver) ObserverID() string { return z.id }

package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fluxgate/eventbus/observability"
)

// Compose fans start/stop/notify to every child strategy. A child's
// stop/notify error is logged and swallowed, never propagated, per
// spec.md §4.2: the Polling child is the correctness baseline and
// must never be taken down by another child's failure.
type Compose struct {
	children []Strategy
	obs      *observability.Subject
}

// NewCompose builds a Compose over children. obs may be nil.
func NewCompose(obs *observability.Subject, children ...Strategy) *Compose {
	return &Compose{children: children, obs: obs}
}

func (c *Compose) Start(ctx context.Context, onNotify func()) error {
	for _, child := range c.children {
		if err := child.Start(ctx, onNotify); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compose) Stop() error {
	for _, child := range c.children {
		if err := child.Stop(); err != nil {
			c.logError("notify.compose.stop_error", err)
		}
	}
	return nil
}

func (c *Compose) Notify(ctx context.Context, eventID uuid.UUID) error {
	for _, child := range c.children {
		if err := child.Notify(ctx, eventID); err != nil {
			c.logError("notify.compose.notify_error", err)
		}
	}
	return nil
}

func (c *Compose) logError(name string, err error) {
	if c.obs == nil {
		return
	}
	c.obs.Emit(observability.Event{
		Name: name,
		Time: time.Now(),
		Attributes: map[string]any{
			"error": err.Error(),
		},
	})
}

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Polling is the correctness baseline strategy: a single-shot timer
// that reschedules itself on every fire, plus an immediate fast path
// on Notify for same-process publishes. Grounded on the teacher's
// modules/scheduler CheckInterval polling model and durable_memory.go's
// buffered(1) "wake at most one waiter" notify channel.
type Polling struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	wake    chan struct{}
}

// NewPolling constructs a Polling strategy that fires every interval.
func NewPolling(interval time.Duration) *Polling {
	return &Polling{
		interval: interval,
		wake:     make(chan struct{}, 1),
	}
}

func (p *Polling) Start(ctx context.Context, onNotify func()) error {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()

	go p.loop(ctx, onNotify)
	return nil
}

func (p *Polling) loop(ctx context.Context, onNotify func()) {
	timer := time.NewTimer(p.interval)
	p.mu.Lock()
	p.timer = timer
	p.mu.Unlock()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			onNotify()
		case <-timer.C:
			onNotify()
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		timer.Reset(p.interval)
		p.mu.Unlock()
	}
}

func (p *Polling) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return nil
}

// Notify wakes the loop immediately rather than waiting for the next
// timer fire. The channel is buffered(1) so a burst of notifications
// while a wake-up is already pending collapses into a single extra
// fire, matching the "onNotify invoked at least once per wake-up,
// coalescing allowed" contract.
func (p *Polling) Notify(_ context.Context, _ uuid.UUID) error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

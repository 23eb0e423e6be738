// Package observability carries the bus's own internal lifecycle
// events (stuck deliveries reset, batch claimed, cron rescheduled or
// exhausted, publish, notify/strategy/processing errors) to whatever
// the hosting process wants to do with them —
// structured logging, metrics, tracing. These are distinct from the
// domain CloudEvents the bus delivers to subscribers.
package observability

import (
	"context"
	"sync"
	"time"
)

// Event is one internal lifecycle notification.
type Event struct {
	Name       string
	Time       time.Time
	Attributes map[string]any
}

// Observer receives Events it has registered interest in.
type Observer interface {
	// OnEvent is called synchronously from Subject.Emit. Observers
	// should return quickly; slow observers block other observers and
	// the caller.
	OnEvent(ctx context.Context, event Event) error

	// ObserverID identifies this observer for registration/removal.
	ObserverID() string
}

type registration struct {
	observer Observer
	names    map[string]struct{} // empty means "all events"
}

// Subject is a concrete, mutex-guarded Observer registry. Grounded on
// the teacher's root Subject interface and FunctionalObserver pattern,
// renamed to this module's own event vocabulary.
type Subject struct {
	mu   sync.RWMutex
	regs map[string]registration
}

// NewSubject constructs an empty Subject.
func NewSubject() *Subject {
	return &Subject{regs: make(map[string]registration)}
}

// RegisterObserver adds observer, optionally filtered to eventNames.
// An empty eventNames means the observer receives every event.
func (s *Subject) RegisterObserver(observer Observer, eventNames ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]struct{}, len(eventNames))
	for _, n := range eventNames {
		names[n] = struct{}{}
	}
	s.regs[observer.ObserverID()] = registration{observer: observer, names: names}
	return nil
}

// UnregisterObserver removes observer. Idempotent.
func (s *Subject) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, observer.ObserverID())
	return nil
}

// Emit notifies every registered observer interested in event.Name.
// Observer errors are swallowed: internal telemetry must never break
// the operation that triggered it.
func (s *Subject) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	s.mu.RLock()
	regs := make([]registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.RUnlock()

	ctx := context.Background()
	for _, r := range regs {
		if len(r.names) > 0 {
			if _, ok := r.names[event.Name]; !ok {
				continue
			}
		}
		_ = r.observer.OnEvent(ctx, event)
	}
}

// FunctionalObserver adapts a plain function to the Observer
// interface, for quick inline registrations without a named type.
type FunctionalObserver struct {
	ID      string
	Handler func(ctx context.Context, event Event) error
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event Event) error {
	return f.Handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.ID }

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process reference Store, guarded by a single
// mutex over plain maps. It exists for unit tests of worker and bus
// logic that don't need real SQL semantics (retry backoff arithmetic,
// claim grouping, publish/ack/sync) — grounded on the teacher's
// modules/scheduler/memory_store.go mutex-guarded map pattern.
//
// MemoryStore is not safe for use across OS processes: ClaimPending
// serializes under the same mutex as every other operation, which
// satisfies the "disjoint claim sets" invariant trivially but gives up
// the cross-process horizontal scale-out spec.md §5 describes for real
// backends.
type MemoryStore struct {
	mu            sync.Mutex
	events        map[uuid.UUID]*Event
	subscriptions map[uuid.UUID]*Subscription
	deliveries    map[uuid.UUID]*Delivery
	now           func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[uuid.UUID]*Event),
		subscriptions: make(map[uuid.UUID]*Subscription),
		deliveries:    make(map[uuid.UUID]*Delivery),
		now:           time.Now,
	}
}

func (s *MemoryStore) clock() time.Time { return s.now().UTC() }

func (s *MemoryStore) InsertEvent(_ context.Context, orgID string, input PublishInput) (Event, error) {
	if input.Type == "" {
		return Event{}, newError(KindInvalidInput, fmt.Errorf("%w", ErrMissingType))
	}
	if input.DeliverAt != nil && input.Cron != nil {
		return Event{}, newError(KindInvalidInput, fmt.Errorf("%w", ErrMutuallyExclusive))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if input.Cron != nil {
		for _, e := range s.events {
			if e.OrgID == orgID && e.Type == input.Type && e.Source == input.Source && e.Cron != nil && *e.Cron == *input.Cron &&
				(e.Status == StatusPending || e.Status == StatusProcessing) {
				return *e, nil
			}
		}
	}

	now := s.clock()
	contentType := input.DataContentType
	if contentType == "" {
		contentType = "application/json"
	}
	e := Event{
		ID:              uuid.New(),
		OrgID:           orgID,
		Type:            input.Type,
		Source:          input.Source,
		Subject:         input.Subject,
		Time:            now,
		DataContentType: contentType,
		DataSchema:      input.DataSchema,
		Data:            input.Data,
		Cron:            input.Cron,
		Status:          StatusPending,
		Attempts:        0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.events[e.ID] = &e
	return e, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, orgID string, id uuid.UUID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.OrgID != orgID {
		return Event{}, newError(KindNotFound, ErrEventNotFound)
	}
	return *e, nil
}

func (s *MemoryStore) CancelEvent(_ context.Context, orgID string, eventID uuid.UUID, callerConnectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok || e.OrgID != orgID || e.Source != callerConnectionID {
		return false, nil
	}
	if e.Status != StatusPending && e.Status != StatusProcessing {
		return false, nil
	}

	errMsg := "Cancelled by publisher"
	now := s.clock()
	e.Status = StatusFailed
	e.LastError = &errMsg
	e.UpdatedAt = now

	updated := false
	for _, d := range s.deliveries {
		if d.EventID != eventID {
			continue
		}
		if d.Status == StatusPending || d.Status == StatusProcessing {
			d.Status = StatusFailed
			d.LastError = &errMsg
			updated = true
		}
	}
	_ = updated
	return true, nil
}

func (s *MemoryStore) MatchSubscriptions(_ context.Context, event Event) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		if !sub.Enabled || sub.OrgID != event.OrgID || sub.EventType != event.Type {
			continue
		}
		if sub.Publisher != nil && *sub.Publisher != event.Source {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertDeliveries(_ context.Context, eventID uuid.UUID, subscriptionIDs []uuid.UUID, deliverAt *time.Time) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for _, subID := range subscriptionIDs {
		d := Delivery{
			ID:             uuid.New(),
			EventID:        eventID,
			SubscriptionID: subID,
			Status:         StatusPending,
			Attempts:       0,
			NextRetryAt:    deliverAt,
			CreatedAt:      now,
		}
		s.deliveries[d.ID] = &d
	}
	return nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int) ([]Claim, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var eligible []*Delivery
	for _, d := range s.deliveries {
		if d.Status != StatusPending {
			continue
		}
		sub, ok := s.subscriptions[d.SubscriptionID]
		if !ok || !sub.Enabled {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, d)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claims := make([]Claim, 0, len(eligible))
	for _, d := range eligible {
		d.Status = StatusProcessing
		event := s.events[d.EventID]
		sub := s.subscriptions[d.SubscriptionID]
		claims = append(claims, Claim{Delivery: *d, Event: *event, Subscription: *sub})
	}
	return claims, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, deliveryIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for _, id := range deliveryIDs {
		d, ok := s.deliveries[id]
		if !ok {
			continue
		}
		d.Status = StatusDelivered
		d.DeliveredAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, deliveryIDs []uuid.UUID, errMsg string, maxAttempts int, baseDelayMs, maxDelayMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	deadLettered := 0
	for _, id := range deliveryIDs {
		d, ok := s.deliveries[id]
		if !ok {
			continue
		}
		d.Attempts++
		msg := errMsg
		d.LastError = &msg
		if d.Attempts >= maxAttempts {
			d.Status = StatusFailed
			d.NextRetryAt = nil
			deadLettered++
		} else {
			delay := RetryDelay(d.Attempts, baseDelayMs, maxDelayMs)
			next := now.Add(time.Duration(delay) * time.Millisecond)
			d.Status = StatusPending
			d.NextRetryAt = &next
		}
	}
	return deadLettered, nil
}

func (s *MemoryStore) ScheduleRetryNoIncrement(_ context.Context, deliveryIDs []uuid.UUID, delayMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	next := now.Add(time.Duration(delayMs) * time.Millisecond)
	for _, id := range deliveryIDs {
		d, ok := s.deliveries[id]
		if !ok {
			continue
		}
		d.Status = StatusPending
		d.NextRetryAt = &next
	}
	return nil
}

func (s *MemoryStore) RollupEventStatus(_ context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return newError(KindNotFound, ErrEventNotFound)
	}
	if e.Status == StatusDelivered || (e.Status == StatusFailed && e.Cron == nil) {
		return nil
	}

	var all, delivered, failed, pendingOrProcessing int
	for _, d := range s.deliveries {
		if d.EventID != eventID {
			continue
		}
		all++
		switch d.Status {
		case StatusDelivered:
			delivered++
		case StatusFailed:
			failed++
		case StatusPending, StatusProcessing:
			pendingOrProcessing++
		}
	}
	if all == 0 {
		return nil
	}
	now := s.clock()
	if delivered == all {
		e.Status = StatusDelivered
		e.UpdatedAt = now
	} else if failed > 0 && pendingOrProcessing == 0 {
		e.Status = StatusFailed
		e.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) ResetStuck(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.deliveries {
		if d.Status == StatusProcessing {
			d.Status = StatusPending
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AckDelivery(_ context.Context, orgID string, eventID uuid.UUID, subscriberConnectionID string) (bool, error) {
	s.mu.Lock()
	updated := false
	now := s.clock()
	for _, d := range s.deliveries {
		if d.EventID != eventID {
			continue
		}
		sub, ok := s.subscriptions[d.SubscriptionID]
		if !ok || sub.OrgID != orgID || sub.ConnectionID != subscriberConnectionID {
			continue
		}
		if d.Status == StatusPending || d.Status == StatusProcessing {
			d.Status = StatusDelivered
			d.DeliveredAt = &now
			updated = true
		}
	}
	s.mu.Unlock()

	if updated {
		_ = s.RollupEventStatus(context.Background(), eventID)
	}
	return updated, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, orgID string, input SubscribeInput) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subscriptions {
		if sub.OrgID == orgID && sub.ConnectionID == input.ConnectionID && sub.EventType == input.EventType &&
			ptrEq(sub.Publisher, input.Publisher) && ptrEq(sub.Filter, input.Filter) {
			return *sub, nil
		}
	}

	now := s.clock()
	sub := Subscription{
		ID:           uuid.New(),
		OrgID:        orgID,
		ConnectionID: input.ConnectionID,
		EventType:    input.EventType,
		Publisher:    input.Publisher,
		Filter:       input.Filter,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.subscriptions[sub.ID] = &sub
	return sub, nil
}

func (s *MemoryStore) Unsubscribe(_ context.Context, orgID string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.OrgID != orgID {
		return false, nil
	}
	delete(s.subscriptions, id)
	return true, nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, orgID string, id uuid.UUID) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.OrgID != orgID {
		return Subscription{}, newError(KindNotFound, ErrSubscriptionNotFound)
	}
	return *sub, nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, orgID string, connectionID *string) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.OrgID != orgID {
			continue
		}
		if connectionID != nil && sub.ConnectionID != *connectionID {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SyncSubscriptions(_ context.Context, orgID, connectionID string, desired []DesiredSubscription) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		eventType string
		publisher string
	}
	keyOf := func(eventType string, publisher *string) key {
		p := ""
		if publisher != nil {
			p = *publisher
		}
		return key{eventType, p}
	}

	current := make(map[key]*Subscription)
	for _, sub := range s.subscriptions {
		if sub.OrgID == orgID && sub.ConnectionID == connectionID {
			current[keyOf(sub.EventType, sub.Publisher)] = sub
		}
	}

	now := s.clock()
	result := SyncResult{}
	seen := make(map[key]bool)

	for _, d := range desired {
		k := keyOf(d.EventType, d.Publisher)
		seen[k] = true
		if existing, ok := current[k]; ok {
			if !ptrEq(existing.Filter, d.Filter) {
				existing.Filter = d.Filter
				existing.UpdatedAt = now
				result.Updated++
			} else {
				result.Unchanged++
			}
			result.Subscriptions = append(result.Subscriptions, *existing)
			continue
		}
		sub := Subscription{
			ID:           uuid.New(),
			OrgID:        orgID,
			ConnectionID: connectionID,
			EventType:    d.EventType,
			Publisher:    d.Publisher,
			Filter:       d.Filter,
			Enabled:      true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.subscriptions[sub.ID] = &sub
		result.Created++
		result.Subscriptions = append(result.Subscriptions, sub)
	}

	for k, existing := range current {
		if !seen[k] {
			delete(s.subscriptions, existing.ID)
			result.Deleted++
		}
	}

	return result, nil
}

func ptrEq(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by Event and Delivery rows.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Event is one published message tracked for durable delivery.
// See spec.md §3.
type Event struct {
	ID              uuid.UUID
	OrgID           string
	Type            string
	Source          string
	Subject         *string
	Time            time.Time
	DataContentType string
	DataSchema      *string
	Data            json.RawMessage
	Cron            *string
	Status          Status
	Attempts        int
	LastError       *string
	NextRetryAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscription is one subscriber's standing interest in an event type.
type Subscription struct {
	ID           uuid.UUID
	OrgID        string
	ConnectionID string
	EventType    string
	Publisher    *string
	Filter       *string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Delivery is one (event, subscription) pair with its own retry state.
type Delivery struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
	Status         Status
	Attempts       int
	LastError      *string
	DeliveredAt    *time.Time
	NextRetryAt    *time.Time
	CreatedAt      time.Time
}

// Claim is a Delivery joined with its Event and Subscription, as
// returned by claimPending. Claimed rows already have Delivery.Status
// == StatusProcessing.
type Claim struct {
	Delivery     Delivery
	Event        Event
	Subscription Subscription
}

// PublishInput are the caller-supplied fields for a new Event.
// Exactly one of DeliverAt or Cron may be set; neither means immediate.
type PublishInput struct {
	Source          string // publisher connection id
	Type            string
	Subject         *string
	DataContentType string
	DataSchema      *string
	Data            json.RawMessage
	DeliverAt       *time.Time
	Cron            *string
}

// SubscribeInput are the caller-supplied fields for a new Subscription.
type SubscribeInput struct {
	ConnectionID string
	EventType    string
	Publisher    *string
	Filter       *string
}

// DesiredSubscription is one entry of a syncSubscriptions desired-state
// call, identified by (EventType, Publisher).
type DesiredSubscription struct {
	EventType string
	Publisher *string
	Filter    *string
}

// SyncResult reports the outcome of reconciling current subscriptions
// against a desired-state list.
type SyncResult struct {
	Created       int
	Updated       int
	Deleted       int
	Unchanged     int
	Subscriptions []Subscription
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

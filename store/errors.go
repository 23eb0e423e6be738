package store

import "errors"

// ErrorKind classifies a store-level failure per spec.md §7's taxonomy.
// It is not a type hierarchy; it is a discriminator carried on Error so
// callers can branch on errors.As without string matching.
type ErrorKind int

const (
	// KindInvalidInput covers mutually exclusive fields, malformed
	// cron expressions, and missing required fields on publish.
	KindInvalidInput ErrorKind = iota
	// KindNotFound covers get/cancel/ack on a missing or cross-tenant id.
	KindNotFound
	// KindTransient covers retryable store errors (connection hiccups,
	// serialization failures under the single-writer SQLite fallback).
	KindTransient
	// KindFatal covers permanent store errors (schema mismatch,
	// constraint violation that isn't the idempotency path).
	KindFatal
)

// Error wraps a store-level failure with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "store: error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewInvalidInputError wraps err as a KindInvalidInput Error. Exported
// for callers above the store package (bus.Publish validates cron
// syntax and mutual exclusion before the store ever sees the input).
func NewInvalidInputError(err error) *Error {
	return newError(KindInvalidInput, err)
}

// Sentinel errors usable with errors.Is regardless of Kind.
var (
	ErrInvalidCron       = errors.New("store: invalid cron expression")
	ErrMutuallyExclusive = errors.New("store: deliverAt and cron are mutually exclusive")
	ErrMissingType       = errors.New("store: event type is required")
	ErrEventNotFound     = errors.New("store: event not found")
	ErrSubscriptionNotFound = errors.New("store: subscription not found")
	ErrUnsupportedDialect   = errors.New("store: unsupported dialect")
)

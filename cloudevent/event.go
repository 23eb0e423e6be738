// Package cloudevent defines the CloudEvents 1.0 wire envelope used to
// hand events to subscribers. The core never invents its own wire
// format; it builds directly on the CloudEvents SDK event type.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
)

// SpecVersion is the only CloudEvents spec version this module emits.
const SpecVersion = "1.0"

// Sentinel errors for malformed CloudEvents payloads.
var (
	ErrMissingSpecVersion = errors.New("cloudevent: missing required 'specversion' attribute")
	ErrMissingType        = errors.New("cloudevent: missing required 'type' attribute")
	ErrMissingSource      = errors.New("cloudevent: missing required 'source' attribute")
	ErrMissingID          = errors.New("cloudevent: missing required 'id' attribute")
	ErrUnsupportedVersion = errors.New("cloudevent: unsupported specversion")
)

// Event is a CloudEvents 1.0 compliant envelope. It is a thin alias over
// the CloudEvents SDK's event type so callers can use the SDK's own
// accessors (SetType, SetSource, DataAs, ...) directly.
type Event = cloudevents.Event

// New builds a CloudEvents 1.0 envelope for the given domain fields.
// data may be nil; when non-nil it is attached as application/json
// unless contentType overrides it.
func New(id, source, eventType string, t time.Time, subject, contentType, dataSchema string, data json.RawMessage) Event {
	e := cloudevents.New(SpecVersion)
	e.SetID(id)
	e.SetSource(source)
	e.SetType(eventType)
	e.SetTime(t)
	if subject != "" {
		e.SetSubject(subject)
	}
	if dataSchema != "" {
		_ = e.SetDataSchema(dataSchema)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	if len(data) > 0 {
		_ = e.SetData(contentType, data)
	} else {
		e.SetDataContentType(contentType)
	}
	return e
}

// Encode marshals an Event to its JSON wire representation.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cloudevent: encode: %w", err)
	}
	return b, nil
}

// Decode validates and parses a JSON CloudEvents envelope.
//
// Unlike a plain json.Unmarshal into Event, Decode first probes the
// required attributes so malformed payloads surface the specific
// missing-field sentinel rather than a generic JSON error, mirroring
// the teacher's specversion-probing decode step.
func Decode(b []byte) (Event, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Event{}, fmt.Errorf("cloudevent: decode: %w", err)
	}

	specversion, ok := extractString(m, "specversion")
	if !ok || specversion == "" {
		return Event{}, ErrMissingSpecVersion
	}
	if specversion != SpecVersion {
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, specversion)
	}
	if v, ok := extractString(m, "type"); !ok || v == "" {
		return Event{}, ErrMissingType
	}
	if v, ok := extractString(m, "source"); !ok || v == "" {
		return Event{}, ErrMissingSource
	}
	if v, ok := extractString(m, "id"); !ok || v == "" {
		return Event{}, ErrMissingID
	}

	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("cloudevent: decode: %w", err)
	}
	return e, nil
}

func extractString(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

package cqrs

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	AggregateID() string
	EventType() string
}

// Envelope carries an Event together with the bookkeeping the store needs:
// identity, stream position and timing. Once an envelope has been persisted
// it is immutable; no field may change.
type Envelope struct {
	EventID       uuid.UUID
	StreamID      string
	AggregateType string
	Event         Event
	Metadata      map[string]any
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
	Version       uint64
	GlobalVersion uint64
	OccurredAt    time.Time
}

// EventOption mutates an envelope before it is buffered on the aggregate.
type EventOption func(*Envelope)

// WithMetadata adds a single metadata key/value pair to the envelope.
func WithMetadata(key string, value any) EventOption {
	return func(env *Envelope) {
		if env.Metadata == nil {
			env.Metadata = make(map[string]any)
		}
		env.Metadata[key] = value
	}
}

// WithCorrelationID tags the envelope with the ID shared by every event in
// one causal chain.
func WithCorrelationID(id uuid.UUID) EventOption {
	return func(env *Envelope) { env.CorrelationID = id }
}

// WithCausationID tags the envelope with the ID of the command or event that
// directly caused it.
func WithCausationID(id uuid.UUID) EventOption {
	return func(env *Envelope) { env.CausationID = id }
}

// WithOccurredAt overrides the creation timestamp. Intended for tests and
// migrations of historical data.
func WithOccurredAt(t time.Time) EventOption {
	return func(env *Envelope) { env.OccurredAt = t }
}

// TypeName returns the bare type name of v, without package path and with
// pointer indirection stripped. It is the discriminator used by both buses
// and the event registry.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

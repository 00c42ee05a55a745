package fixtures

import (
	"time"

	"github.com/google/uuid"

	cqrs "github.com/eventfold/cqrs"
)

// EnvelopeOption is a functional option for configuring an Envelope.
type EnvelopeOption func(*cqrs.Envelope)

// NewEnvelope creates an Envelope with the given event and options.
func NewEnvelope(event cqrs.Event, opts ...EnvelopeOption) *cqrs.Envelope {
	env := &cqrs.Envelope{
		EventID:       uuid.New(),
		StreamID:      event.AggregateID(),
		Event:         event,
		Version:       1,
		GlobalVersion: 1,
		OccurredAt:    time.Now(),
		Metadata:      make(map[string]any),
	}

	for _, opt := range opts {
		opt(env)
	}

	return env
}

// WithEventID sets a specific event ID.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *cqrs.Envelope) { e.EventID = id }
}

// WithStreamID overrides the stream ID (defaults to the event's AggregateID).
func WithStreamID(id string) EnvelopeOption {
	return func(e *cqrs.Envelope) { e.StreamID = id }
}

// WithVersion sets the stream version.
func WithVersion(v uint64) EnvelopeOption {
	return func(e *cqrs.Envelope) { e.Version = v }
}

// WithGlobalVersion sets the global version.
func WithGlobalVersion(v uint64) EnvelopeOption {
	return func(e *cqrs.Envelope) { e.GlobalVersion = v }
}

// WithTimestamp sets the occurred-at timestamp.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *cqrs.Envelope) { e.OccurredAt = t }
}

// WithMetadataField adds a single metadata field.
func WithMetadataField(key string, value any) EnvelopeOption {
	return func(e *cqrs.Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// EnvelopesFromEvents creates envelopes from events with sequential versions.
func EnvelopesFromEvents(events ...cqrs.Event) []*cqrs.Envelope {
	envelopes := make([]*cqrs.Envelope, len(events))
	baseTime := time.Now()

	for i, event := range events {
		envelopes[i] = &cqrs.Envelope{
			EventID:       uuid.New(),
			StreamID:      event.AggregateID(),
			Event:         event,
			Version:       uint64(i + 1),
			GlobalVersion: uint64(i + 1),
			OccurredAt:    baseTime.Add(time.Duration(i) * time.Millisecond),
			Metadata:      make(map[string]any),
		}
	}

	return envelopes
}

// EnvelopeValuesFromEvents creates envelope values from a slice of events.
func EnvelopeValuesFromEvents(events ...cqrs.Event) []cqrs.Envelope {
	ptrs := EnvelopesFromEvents(events...)
	values := make([]cqrs.Envelope, len(ptrs))
	for i, p := range ptrs {
		values[i] = *p
	}
	return values
}

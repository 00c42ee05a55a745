package cqrs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Aggregate is the interface that all event-sourced aggregates must
// implement. State may only change by applying events: a domain method
// decides on an event and passes it to Apply, which routes it through the
// aggregate's own Transition and buffers it for the next commit.
//
// The unexported methods force concrete aggregates to embed AggregateBase,
// so no implementation can bypass the version bookkeeping.
type Aggregate interface {
	// EntityID returns the unique identifier of the aggregate.
	EntityID() string

	// AggregateType returns the discriminator for the aggregate's schema.
	AggregateType() string

	// AggregateVersion returns the number of events applied so far.
	AggregateVersion() uint64

	// UncommittedEvents returns the events buffered since the last commit.
	UncommittedEvents() []Envelope

	// MarkCommitted clears the uncommitted buffer after the caller has
	// persisted it. Calling it again is a no-op.
	MarkCommitted()

	// Replaying reports whether events are currently re-applied from
	// history. Side effects that should fire only once belong behind
	// a !Replaying() check.
	Replaying() bool

	// Transition derives new state from a single event. Implementations
	// use an explicit type switch over their known event types; an
	// unknown type is a conscious error, not a silent skip.
	Transition(event Event) error

	setAggregateVersion(version uint64)
	setReplaying(replaying bool)
	bufferEnvelope(env Envelope)
}

// AggregateBase carries the bookkeeping shared by all aggregates: identity,
// version, the uncommitted buffer and the replay flag. Embed it and
// implement Transition on the outer type.
type AggregateBase struct {
	id        string
	typ       string
	v         uint64
	events    []Envelope
	replaying bool
}

// NewAggregateBase creates the embeddable base for an aggregate.
func NewAggregateBase(aggregateType, id string) *AggregateBase {
	return &AggregateBase{
		id:     id,
		typ:    aggregateType,
		events: make([]Envelope, 0),
	}
}

func (a *AggregateBase) EntityID() string { return a.id }

func (a *AggregateBase) AggregateType() string { return a.typ }

func (a *AggregateBase) AggregateVersion() uint64 { return a.v }

func (a *AggregateBase) UncommittedEvents() []Envelope { return a.events }

func (a *AggregateBase) MarkCommitted() { a.events = nil }

func (a *AggregateBase) Replaying() bool { return a.replaying }

func (a *AggregateBase) setAggregateVersion(v uint64) { a.v = v }

func (a *AggregateBase) setReplaying(replaying bool) { a.replaying = replaying }

func (a *AggregateBase) bufferEnvelope(env Envelope) { a.events = append(a.events, env) }

// Apply is the only legal way new state enters an aggregate outside of
// replay. It wraps the event in an envelope at the next version, routes it
// through the aggregate's Transition and buffers it for the next commit.
func Apply(agg Aggregate, event Event, options ...EventOption) error {
	if event.AggregateID() != agg.EntityID() {
		return fmt.Errorf("apply %s to aggregate %q: event belongs to aggregate %q",
			TypeName(event), agg.EntityID(), event.AggregateID())
	}

	env := Envelope{
		EventID:       uuid.New(),
		StreamID:      agg.EntityID(),
		AggregateType: agg.AggregateType(),
		Event:         event,
		Metadata:      make(map[string]any),
		Version:       agg.AggregateVersion() + 1,
		OccurredAt:    now(),
	}
	for _, option := range options {
		option(&env)
	}

	return applyEnvelope(agg, &env)
}

// applyEnvelope performs the actual transition. Outside of replay the
// envelope must carry exactly the next version; during replay the log's own
// ordering is trusted and the buffer push is suppressed.
func applyEnvelope(agg Aggregate, env *Envelope) error {
	if !agg.Replaying() && env.Version != agg.AggregateVersion()+1 {
		return &VersionMismatchError{
			StreamID: agg.EntityID(),
			Expected: agg.AggregateVersion() + 1,
			Got:      env.Version,
		}
	}

	if err := agg.Transition(env.Event); err != nil {
		return fmt.Errorf("transition %s on aggregate %q: %w", TypeName(env.Event), agg.EntityID(), err)
	}

	if !agg.Replaying() {
		agg.bufferEnvelope(*env)
	}
	agg.setAggregateVersion(env.Version)
	return nil
}

// LoadFromHistory reconstructs aggregate state by re-applying stored
// envelopes in ascending version order. It leaves the uncommitted buffer
// untouched and the replay flag cleared.
func LoadFromHistory(ctx context.Context, agg Aggregate, iter *Iterator[*Envelope]) error {
	agg.setReplaying(true)
	defer agg.setReplaying(false)

	for iter.Next(ctx) {
		if err := applyEnvelope(agg, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Err()
}

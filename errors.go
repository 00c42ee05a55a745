package cqrs

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is returned when a NoStream append hits an existing stream.
	ErrStreamExists = errors.New("stream already exists")

	// ErrInvalidRevision is returned for revisions a store cannot satisfy,
	// for example reading past the end of a stream.
	ErrInvalidRevision = errors.New("invalid revision")

	// ErrInvalidEventBatch is returned when a batch mixes stream IDs.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrHandlerNotFound is returned when no handler is registered for a
	// request's type. This is a wiring defect, not a runtime condition.
	ErrHandlerNotFound = errors.New("no handler registered")

	// ErrAggregateNotFound is returned when neither a snapshot nor any
	// events exist for an aggregate.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrSnapshotNotFound is returned when no snapshot exists for a stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// StreamRevisionConflictError reports an optimistic-concurrency conflict:
// the stream moved past the revision the writer expected. It is expected
// and retryable; the caller should reload the aggregate and retry.
type StreamRevisionConflictError struct {
	Stream           string
	ExpectedRevision Revision
	ActualRevision   Revision
}

func (e *StreamRevisionConflictError) Error() string {
	return fmt.Sprintf("stream %q revision conflict: expected %d, actual %d",
		e.Stream, e.ExpectedRevision, e.ActualRevision)
}

// VersionMismatchError reports an event applied out of sequence outside of
// replay. This indicates a logic bug and is not recoverable for that call.
type VersionMismatchError struct {
	StreamID string
	Expected uint64
	Got      uint64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("stream %q: event version %d applied, expected %d",
		e.StreamID, e.Got, e.Expected)
}

// ValidationError reports a request that failed its own Validate check.
// It is surfaced immediately and never retried.
type ValidationError struct {
	Request string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Request, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ErrSkippedEvent is returned when a typed handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

// EventStoreError wraps a storage-layer failure. The kernel propagates it
// verbatim and adds no implicit retry.
type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err in an EventStoreError, passing nil through.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Err: err}
}

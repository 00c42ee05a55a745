package cqrs

import (
	"context"
)

// EventStore defines the contract for an append-only event store. It is the
// single source of truth and the only component allowed to serialize
// concurrent writers to one stream.
//
// Implementations must guarantee:
//   - Events for a given stream are stored in ascending version order.
//   - Save is atomic per batch: on a revision conflict nothing is appended.
//   - Iteration order from all Load* methods is deterministic (oldest → newest).
//
// The returned iterators are lazy and should be consumed immediately; no
// assumptions may be made about reusability or thread-safety after
// iteration completes.
type EventStore interface {
	// Save appends all envelopes in the batch to the stream identified by
	// their shared StreamID, subject to the revision expectation:
	//
	//   - Any: always append, no concurrency check.
	//   - NoStream: the stream must not exist yet.
	//   - StreamExists: the stream must already exist.
	//   - Revision(n): the stream must currently hold exactly n events.
	//
	// A failed expectation returns a *StreamRevisionConflictError (for
	// Revision) or an error wrapping ErrStreamExists / ErrStreamNotFound,
	// and appends nothing. A conflict is expected and retryable: reload
	// the aggregate and retry. Storage failures are propagated as
	// EventStoreError; the store itself never retries.
	Save(ctx context.Context, events []Envelope, revision StreamState) (AppendResult, error)

	// LoadStream loads all events for the stream from version 1 onward.
	LoadStream(ctx context.Context, id string) (*Iterator[*Envelope], error)

	// LoadStreamFrom loads events with Version > version, i.e. it skips the
	// first `version` events. LoadStreamFrom(ctx, id, 0) equals LoadStream.
	LoadStreamFrom(ctx context.Context, id string, version uint64) (*Iterator[*Envelope], error)

	// LoadStreamRange loads events in the open version interval (from, to):
	// every event with from < Version < to. Both bounds are exclusive, so
	// LoadStreamRange(ctx, id, from, 0) equals LoadStreamFrom(ctx, id, from);
	// a zero `to` means "to the end".
	LoadStreamRange(ctx context.Context, id string, from, to uint64) (*Iterator[*Envelope], error)

	// LoadFromAll loads events from all streams starting at the given
	// global sequence position, in the order the store recorded them.
	LoadFromAll(ctx context.Context, position uint64) (*Iterator[*Envelope], error)

	// LatestVersion returns the highest version in the stream, or -1 if the
	// stream does not exist.
	LatestVersion(ctx context.Context, id string) (int64, error)

	// Exists reports whether the stream has at least one event.
	Exists(ctx context.Context, id string) (bool, error)

	// Close releases any resources held by the store. Implementations
	// should make Close idempotent.
	Close() error
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful          bool
	StreamID            string
	NextExpectedVersion uint64
}

package cqrs

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSnapshots enables snapshot-accelerated loads and policy-driven
// snapshot writes on save.
func WithSnapshots(manager *SnapshotManager) RepositoryOption {
	return func(r *Repository) { r.snapshots = manager }
}

// WithRepositoryLogger sets the logger for conflict and degraded-path messages.
func WithRepositoryLogger(logger *logrus.Entry) RepositoryOption {
	return func(r *Repository) { r.logger = logger }
}

// Repository composes the event store and the snapshot manager into the
// aggregate load/save orchestration. Aggregates are per-request and
// in-memory; all cross-writer coordination happens through the store's
// revision check.
type Repository struct {
	store     EventStore
	snapshots *SnapshotManager
	logger    *logrus.Entry
}

// NewRepository creates a Repository over the given event store.
func NewRepository(store EventStore, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:  store,
		logger: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(r)
	}
	_ = Init()
	return r
}

// Load reconstructs the aggregate's state: seed from the latest snapshot
// when one exists, then replay the trailing events. A missing or corrupt
// snapshot degrades to full replay; it never fails the load. Returns an
// error wrapping ErrAggregateNotFound when neither a snapshot nor any
// events exist.
//
// The aggregate passed in must be freshly constructed; Transition must
// derive every field from events so that a full replay fully determines
// state.
func (r *Repository) Load(ctx context.Context, agg Aggregate) error {
	var from uint64
	if r.snapshots != nil {
		version, err := r.snapshots.Restore(ctx, agg)
		switch {
		case err == nil:
			from = version
		case errors.Is(err, ErrSnapshotNotFound):
			// Full replay.
		default:
			r.logger.Warnf("snapshot restore failed for aggregate %q, falling back to full replay: %v",
				agg.EntityID(), err)
		}
	}

	iter, err := r.store.LoadStreamFrom(ctx, agg.EntityID(), from)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			if from > 0 {
				// Snapshot is already at the head of the stream.
				return nil
			}
			return fmt.Errorf("load aggregate %q: %w", agg.EntityID(), ErrAggregateNotFound)
		}
		return fmt.Errorf("load aggregate %q: %w", agg.EntityID(), err)
	}

	before := agg.AggregateVersion()
	if err := LoadFromHistory(ctx, agg, iter); err != nil {
		return fmt.Errorf("replay aggregate %q: %w", agg.EntityID(), err)
	}
	if from == 0 && agg.AggregateVersion() == 0 {
		return fmt.Errorf("load aggregate %q: %w", agg.EntityID(), ErrAggregateNotFound)
	}

	EventsLoaded.Add(ctx, int64(agg.AggregateVersion()-before),
		metric.WithAttributes(AttrAggregateType.String(agg.AggregateType())))
	return nil
}

// Save appends the aggregate's uncommitted events under an optimistic
// revision check and clears the buffer on success. A returned
// *StreamRevisionConflictError means another writer won that version; the
// caller should reload and retry. After a successful append a snapshot is
// taken when due; snapshot failures are logged, never propagated.
func (r *Repository) Save(ctx context.Context, agg Aggregate) (AppendResult, error) {
	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return AppendResult{
			Successful:          true,
			StreamID:            agg.EntityID(),
			NextExpectedVersion: agg.AggregateVersion(),
		}, nil
	}

	expected := agg.AggregateVersion() - uint64(len(events))
	result, err := r.store.Save(ctx, events, Revision(expected))
	if err != nil {
		var conflict *StreamRevisionConflictError
		if errors.As(err, &conflict) {
			ConcurrencyConflicts.Add(ctx, 1,
				metric.WithAttributes(AttrAggregateType.String(agg.AggregateType())))
			r.logger.Warnf("revision conflict on stream %q: expected %d, actual %d",
				conflict.Stream, conflict.ExpectedRevision, conflict.ActualRevision)
		}
		return result, err
	}

	agg.MarkCommitted()
	EventsAppended.Add(ctx, int64(len(events)),
		metric.WithAttributes(AttrAggregateType.String(agg.AggregateType())))
	StreamVersions.Record(ctx, int64(agg.AggregateVersion()),
		metric.WithAttributes(AttrAggregateType.String(agg.AggregateType())))

	if r.snapshots != nil &&
		r.snapshots.ShouldTake(ctx, agg.AggregateType(), agg.EntityID(), agg.AggregateVersion()) {
		if _, err := r.snapshots.Take(ctx, agg); err != nil {
			r.logger.Warnf("snapshot of aggregate %q at version %d failed: %v",
				agg.EntityID(), agg.AggregateVersion(), err)
		} else {
			SnapshotsTaken.Add(ctx, 1,
				metric.WithAttributes(AttrAggregateType.String(agg.AggregateType())))
		}
	}

	return result, nil
}

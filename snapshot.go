package cqrs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// DefaultSnapshotInterval is the version modulus at which a snapshot is
// taken when no interval is configured.
const DefaultSnapshotInterval = 100

// Snapshot is a point-in-time materialization of an aggregate's derived
// state, used to bound replay cost. It is a pure performance optimization;
// correctness never depends on one being present.
type Snapshot struct {
	SnapshotID    string    `json:"snapshot_id"`
	StreamID      string    `json:"stream_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       uint64    `json:"version"`
	State         []byte    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshotter is implemented by aggregates that control their own snapshot
// serialization. Aggregates without it are snapshotted as JSON.
// Snapshot and RestoreSnapshot must be inverses of each other.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

// SnapshotStore persists snapshots. Implementations may keep any number of
// snapshots per stream; only the latest is ever consulted.
type SnapshotStore interface {
	// Save persists a snapshot.
	Save(ctx context.Context, snapshot *Snapshot) error

	// Latest returns the most recent snapshot for the stream, or an error
	// wrapping ErrSnapshotNotFound when none exists.
	Latest(ctx context.Context, aggregateType, streamID string) (*Snapshot, error)

	// DeleteOlderThan removes snapshots older than maxAge and returns the
	// number deleted. Retention is independent of correctness.
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// SnapshotOption configures a SnapshotManager.
type SnapshotOption func(*SnapshotManager)

// WithSnapshotInterval sets the version modulus at which snapshots are taken.
func WithSnapshotInterval(interval uint64) SnapshotOption {
	return func(m *SnapshotManager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithSnapshotLogger sets the logger used for degraded-path warnings.
func WithSnapshotLogger(logger *logrus.Entry) SnapshotOption {
	return func(m *SnapshotManager) { m.logger = logger }
}

// SnapshotManager materializes aggregate state to a SnapshotStore by
// policy. A failing snapshot read or write degrades to full replay and is
// logged; it never fails the surrounding operation.
type SnapshotManager struct {
	store    SnapshotStore
	interval uint64
	logger   *logrus.Entry
}

// NewSnapshotManager creates a SnapshotManager over the given store.
func NewSnapshotManager(store SnapshotStore, opts ...SnapshotOption) *SnapshotManager {
	m := &SnapshotManager{
		store:    store,
		interval: DefaultSnapshotInterval,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Interval returns the configured snapshot interval.
func (m *SnapshotManager) Interval() uint64 { return m.interval }

// Take serializes the aggregate's current state and persists it at the
// aggregate's current version. Returns the new snapshot's ID.
func (m *SnapshotManager) Take(ctx context.Context, agg Aggregate) (string, error) {
	data, err := marshalAggregate(agg)
	if err != nil {
		return "", fmt.Errorf("snapshot aggregate %q: %w", agg.EntityID(), err)
	}

	snapshot := &Snapshot{
		SnapshotID:    gonanoid.Must(),
		StreamID:      agg.EntityID(),
		AggregateType: agg.AggregateType(),
		Version:       agg.AggregateVersion(),
		State:         data,
		CreatedAt:     now(),
	}

	if err := m.store.Save(ctx, snapshot); err != nil {
		return "", fmt.Errorf("save snapshot for aggregate %q: %w", agg.EntityID(), err)
	}
	return snapshot.SnapshotID, nil
}

// ShouldTake reports whether a snapshot is due: the current version is a
// multiple of the interval and lies beyond the latest existing snapshot.
// The second condition prevents redundant snapshots after a no-op reload.
func (m *SnapshotManager) ShouldTake(ctx context.Context, aggregateType, streamID string, currentVersion uint64) bool {
	if currentVersion == 0 || currentVersion%m.interval != 0 {
		return false
	}
	latest, err := m.store.Latest(ctx, aggregateType, streamID)
	if err != nil {
		return true
	}
	return currentVersion > latest.Version
}

// Restore loads the latest snapshot into the aggregate and returns the
// version it was taken at. The caller must replay events with
// Version > the returned version to reach current state. When no snapshot
// exists, the error wraps ErrSnapshotNotFound and the caller falls back to
// full replay.
func (m *SnapshotManager) Restore(ctx context.Context, agg Aggregate) (uint64, error) {
	snapshot, err := m.store.Latest(ctx, agg.AggregateType(), agg.EntityID())
	if err != nil {
		return 0, err
	}

	if err := unmarshalAggregate(agg, snapshot.State); err != nil {
		return 0, fmt.Errorf("restore snapshot %s for aggregate %q: %w",
			snapshot.SnapshotID, agg.EntityID(), err)
	}
	agg.setAggregateVersion(snapshot.Version)
	return snapshot.Version, nil
}

// CleanupExpired applies the retention policy, deleting snapshots older
// than maxAge.
func (m *SnapshotManager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	count, err := m.store.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Debugf("snapshot cleanup removed %d snapshots older than %s", count, maxAge)
	}
	return count, nil
}

func marshalAggregate(agg Aggregate) ([]byte, error) {
	if s, ok := agg.(Snapshotter); ok {
		return s.Snapshot()
	}
	return json.Marshal(agg)
}

func unmarshalAggregate(agg Aggregate, data []byte) error {
	if s, ok := agg.(Snapshotter); ok {
		return s.RestoreSnapshot(data)
	}
	return json.Unmarshal(data, agg)
}

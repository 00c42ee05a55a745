package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	cqrs "github.com/eventfold/cqrs"
)

var _ cqrs.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore persists snapshots in the snapshots table of an existing
// Store. It shares the Store's connection, so closing the Store closes this
// too.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore returns a snapshot store backed by the same database as
// store. The schema is already ensured by NewStore.
func NewSnapshotStore(store *Store) *SnapshotStore {
	return &SnapshotStore{db: store.db}
}

func (s *SnapshotStore) Save(ctx context.Context, snap *cqrs.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(snapshot_id, stream_id, aggregate_type, version, state, created_at)
		VALUES (?,?,?,?,?,?);`,
		snap.SnapshotID,
		snap.StreamID,
		snap.AggregateType,
		snap.Version,
		snap.State,
		formatTime(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save snapshot for stream %q: %w", snap.StreamID, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, aggregateType, streamID string) (*cqrs.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id, stream_id, aggregate_type, version, state, created_at
		FROM snapshots
		WHERE aggregate_type = ? AND stream_id = ?
		ORDER BY version DESC
		LIMIT 1;`,
		aggregateType, streamID)

	var (
		snap      cqrs.Snapshot
		createdAt string
	)
	err := row.Scan(&snap.SnapshotID, &snap.StreamID, &snap.AggregateType,
		&snap.Version, &snap.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for stream %q: %w",
			streamID, cqrs.ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for stream %q: %w", streamID, err)
	}
	snap.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for stream %q: corrupt created_at %q: %w",
			streamID, createdAt, err)
	}
	return &snap, nil
}

func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM snapshots WHERE created_at < ?;", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the underlying database belongs to the event store.
func (s *SnapshotStore) Close() error { return nil }

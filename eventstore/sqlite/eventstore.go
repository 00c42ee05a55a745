// Package sqlite implements the EventStore and SnapshotStore contracts on a
// single SQLite database. The revision check runs inside the same
// transaction as the insert, so an append is atomic per stream, and a
// UNIQUE(stream_id, version) constraint backstops the check at the schema
// level.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	cqrs "github.com/eventfold/cqrs"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL UNIQUE,
	stream_id      TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	version        INTEGER NOT NULL,
	event_type     TEXT NOT NULL,
	data           TEXT NOT NULL,
	metadata       TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id   TEXT NOT NULL,
	occurred_on    TEXT NOT NULL,
	recorded_on    TEXT NOT NULL,
	UNIQUE (stream_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events (stream_id, version);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id    TEXT PRIMARY KEY,
	stream_id      TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	version        INTEGER NOT NULL,
	state          BLOB NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_stream ON snapshots (aggregate_type, stream_id, version);
`

var _ cqrs.EventStore = (*Store)(nil)

// Store is a SQLite-backed event store. It also hosts the snapshot table;
// see SnapshotStore.
type Store struct {
	db       *sql.DB
	registry *cqrs.EventRegistry
}

// NewStore opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an ephemeral store in tests.
func NewStore(path string, registry *cqrs.EventRegistry) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %q: %w", path, err)
	}
	// SQLite allows one writer at a time; a larger pool only produces
	// SQLITE_BUSY errors under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &Store{db: db, registry: registry}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *Store) streamVersion(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, streamID string) (uint64, error) {
	row := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?;", streamID)
	var version uint64
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
	if len(events) == 0 {
		return cqrs.AppendResult{Successful: true}, nil
	}

	streamID := events[0].StreamID
	for i, env := range events {
		if env.StreamID != streamID {
			return cqrs.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				streamID, cqrs.ErrInvalidEventBatch, i, env.StreamID,
			)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
	}
	defer tx.Rollback()

	currentVersion, err := s.streamVersion(ctx, tx, streamID)
	if err != nil {
		return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
	}

	switch rev := revision.(type) {
	case cqrs.Any:
	case cqrs.NoStream:
		if currentVersion != 0 {
			return cqrs.AppendResult{Successful: false},
				fmt.Errorf("stream %q: %w", streamID, cqrs.ErrStreamExists)
		}
	case cqrs.StreamExists:
		if currentVersion == 0 {
			return cqrs.AppendResult{Successful: false},
				fmt.Errorf("stream %q: %w", streamID, cqrs.ErrStreamNotFound)
		}
	case cqrs.Revision:
		if currentVersion != uint64(rev) {
			return cqrs.AppendResult{}, &cqrs.StreamRevisionConflictError{
				Stream:           streamID,
				ExpectedRevision: rev,
				ActualRevision:   cqrs.Revision(currentVersion),
			}
		}
	default:
		return cqrs.AppendResult{Successful: false},
			fmt.Errorf("unsupported revision type for stream %q: %w", streamID, cqrs.ErrInvalidRevision)
	}

	for i := range events {
		currentVersion++
		events[i].Version = currentVersion

		data, err := json.Marshal(events[i].Event)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
		metadata, err := json.Marshal(events[i].Metadata)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events
				(event_id, stream_id, aggregate_type, version, event_type,
				 data, metadata, correlation_id, causation_id, occurred_on, recorded_on)
			VALUES (?,?,?,?,?,?,?,?,?,?,?);`,
			events[i].EventID.String(),
			streamID,
			events[i].AggregateType,
			events[i].Version,
			events[i].Event.EventType(),
			string(data),
			string(metadata),
			events[i].CorrelationID.String(),
			events[i].CausationID.String(),
			formatTime(events[i].OccurredAt),
			formatTime(time.Now()),
		)
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
	}

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: currentVersion,
	}, nil
}

const selectEvents = `
SELECT event_id, stream_id, aggregate_type, version, event_type,
       data, metadata, correlation_id, causation_id, occurred_on, global_seq
FROM events`

func (s *Store) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return s.LoadStreamRange(ctx, id, 0, 0)
}

func (s *Store) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return s.LoadStreamRange(ctx, id, version, 0)
}

func (s *Store) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("load stream %q: %w", id, cqrs.ErrStreamNotFound)
	}

	query := selectEvents + " WHERE stream_id = ? AND version > ?"
	args := []any{id, from}
	if to > 0 {
		query += " AND version < ?"
		args = append(args, to)
	}
	query += " ORDER BY version ASC;"

	return s.queryEnvelopes(ctx, query, args...)
}

func (s *Store) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return s.queryEnvelopes(ctx,
		selectEvents+" WHERE global_seq > ? ORDER BY global_seq ASC;", position)
}

func (s *Store) queryEnvelopes(ctx context.Context, query string, args ...any) (*cqrs.Iterator[*cqrs.Envelope], error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(err)
	}
	defer rows.Close()

	var envelopes []*cqrs.Envelope
	for rows.Next() {
		env, err := s.scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, cqrs.WrapEventStoreError(err)
	}

	return cqrs.NewSliceIterator(envelopes), nil
}

func (s *Store) scanEnvelope(rows *sql.Rows) (*cqrs.Envelope, error) {
	var (
		eventID       string
		streamID      string
		aggregateType string
		version       uint64
		eventType     string
		data          string
		metadata      string
		correlationID string
		causationID   string
		occurredOn    string
		globalSeq     uint64
	)
	if err := rows.Scan(&eventID, &streamID, &aggregateType, &version, &eventType,
		&data, &metadata, &correlationID, &causationID, &occurredOn, &globalSeq); err != nil {
		return nil, cqrs.WrapEventStoreError(err)
	}

	ev, err := s.registry.New(eventType)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("cannot create event %q: %w", eventType, err))
	}
	if err := json.Unmarshal([]byte(data), ev); err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("cannot unmarshal event %q: %w", eventType, err))
	}

	var md map[string]any
	if err := json.Unmarshal([]byte(metadata), &md); err != nil {
		md = make(map[string]any)
	}

	occurredAt, err := parseTime(occurredOn)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("cannot parse occurred_on %q: %w", occurredOn, err))
	}

	env := &cqrs.Envelope{
		StreamID:      streamID,
		AggregateType: aggregateType,
		Event:         ev,
		Metadata:      md,
		Version:       version,
		GlobalVersion: globalSeq,
		OccurredAt:    occurredAt,
	}
	env.EventID, _ = uuid.Parse(eventID)
	env.CorrelationID, _ = uuid.Parse(correlationID)
	env.CausationID, _ = uuid.Parse(causationID)
	return env, nil
}

func (s *Store) LatestVersion(ctx context.Context, id string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM events WHERE stream_id = ?;", id)
	var version sql.NullInt64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		return 0, cqrs.WrapEventStoreError(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return version.Int64, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM events WHERE stream_id = ?);", id)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, cqrs.WrapEventStoreError(err)
	}
	return exists, nil
}

// PurgeBefore is the administrative retention hook: it deletes events that
// occurred before t across all streams and returns how many were removed.
// It is not part of normal operation; replay after a purge only works from
// a snapshot taken at or beyond the purge point.
func (s *Store) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE occurred_on < ?;", formatTime(t))
	if err != nil {
		return 0, cqrs.WrapEventStoreError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cqrs.WrapEventStoreError(err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

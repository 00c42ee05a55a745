package sqlite_test

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	cqrs "github.com/eventfold/cqrs"
	"github.com/eventfold/cqrs/eventstore/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AccountOpened struct {
	Account string `json:"account"`
	Owner   string `json:"owner"`
}

func (e *AccountOpened) AggregateID() string { return e.Account }
func (e *AccountOpened) EventType() string   { return "AccountOpened" }

type MoneyDeposited struct {
	Account string `json:"account"`
	Amount  int    `json:"amount"`
}

func (e *MoneyDeposited) AggregateID() string { return e.Account }
func (e *MoneyDeposited) EventType() string   { return "MoneyDeposited" }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	registry := cqrs.NewEventRegistry()
	registry.Register(func() cqrs.Event { return &AccountOpened{} })
	registry.Register(func() cqrs.Event { return &MoneyDeposited{} })

	store, err := sqlite.NewStore(":memory:", registry)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newEnvelope(streamID string, event cqrs.Event) cqrs.Envelope {
	return cqrs.Envelope{
		EventID:    uuid.New(),
		StreamID:   streamID,
		Event:      event,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]any{},
	}
}

func collectAll(t *testing.T, iter *cqrs.Iterator[*cqrs.Envelope]) []*cqrs.Envelope {
	t.Helper()
	ctx := context.Background()
	var results []*cqrs.Envelope
	for iter.Next(ctx) {
		results = append(results, iter.Value())
	}
	if err := iter.Err(); err != nil && err != io.EOF {
		t.Fatalf("iterator error: %v", err)
	}
	return results
}

func TestStore_SaveAndLoadRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	env := newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"})
	env.Metadata["request-id"] = "req-42"

	result, err := store.Save(ctx, []cqrs.Envelope{env}, cqrs.NoStream{})
	require.NoError(t, err)
	assert.True(t, result.Successful)
	assert.Equal(t, uint64(1), result.NextExpectedVersion)

	iter, err := store.LoadStream(ctx, "acc-1")
	require.NoError(t, err)

	loaded := collectAll(t, iter)
	require.Len(t, loaded, 1)
	assert.Equal(t, env.EventID, loaded[0].EventID)
	assert.Equal(t, uint64(1), loaded[0].Version)
	assert.Equal(t, "req-42", loaded[0].Metadata["request-id"])

	opened, ok := loaded[0].Event.(*AccountOpened)
	require.True(t, ok, "expected *AccountOpened, got %T", loaded[0].Event)
	assert.Equal(t, "alice", opened.Owner)
}

func TestStore_CorruptTimestampFailsLoad(t *testing.T) {
	ctx := context.Background()
	registry := cqrs.NewEventRegistry()
	registry.Register(func() cqrs.Event { return &AccountOpened{} })

	path := filepath.Join(t.TempDir(), "events.db")
	store, err := sqlite.NewStore(path, registry)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"}),
	}, cqrs.NoStream{})
	require.NoError(t, err)

	// Damage the stored timestamp through a second connection. The read
	// must fail loudly rather than hand back a zero time.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE events SET occurred_on = 'not-a-timestamp';")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = store.LoadStream(ctx, "acc-1")
	var storeErr *cqrs.EventStoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Contains(t, err.Error(), "occurred_on")
}

func TestStore_RevisionChecks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &MoneyDeposited{Account: "acc-1", Amount: 1}),
	}, cqrs.StreamExists{})
	assert.ErrorIs(t, err, cqrs.ErrStreamNotFound)

	_, err = store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"}),
	}, cqrs.NoStream{})
	require.NoError(t, err)

	_, err = store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "bob"}),
	}, cqrs.NoStream{})
	assert.ErrorIs(t, err, cqrs.ErrStreamExists)

	_, err = store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &MoneyDeposited{Account: "acc-1", Amount: 10}),
	}, cqrs.Revision(5))

	var conflict *cqrs.StreamRevisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, cqrs.Revision(5), conflict.ExpectedRevision)
	assert.Equal(t, cqrs.Revision(1), conflict.ActualRevision)

	// The conflicting batch must not have been appended.
	version, err := store.LatestVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestStore_BatchIsAtomic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"}),
		newEnvelope("acc-2", &AccountOpened{Account: "acc-2", Owner: "bob"}),
	}, cqrs.Any{})
	assert.ErrorIs(t, err, cqrs.ErrInvalidEventBatch)

	exists, err := store.Exists(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, exists, "a failed batch must append nothing")
}

func TestStore_LoadStreamRange(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	events := make([]cqrs.Envelope, 5)
	for i := range events {
		events[i] = newEnvelope("acc-1", &MoneyDeposited{Account: "acc-1", Amount: i + 1})
	}
	_, err := store.Save(ctx, events, cqrs.Any{})
	require.NoError(t, err)

	iter, err := store.LoadStreamRange(ctx, "acc-1", 1, 4)
	require.NoError(t, err)

	loaded := collectAll(t, iter)
	require.Len(t, loaded, 2)
	assert.Equal(t, uint64(2), loaded[0].Version)
	assert.Equal(t, uint64(3), loaded[1].Version)

	iter, err = store.LoadStreamFrom(ctx, "acc-1", 3)
	require.NoError(t, err)
	assert.Len(t, collectAll(t, iter), 2)
}

func TestStore_LoadFromAllUsesGlobalOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	streams := []string{"acc-1", "acc-2", "acc-1"}
	for _, id := range streams {
		_, err := store.Save(ctx, []cqrs.Envelope{
			newEnvelope(id, &MoneyDeposited{Account: id, Amount: 1}),
		}, cqrs.Any{})
		require.NoError(t, err)
	}

	iter, err := store.LoadFromAll(ctx, 0)
	require.NoError(t, err)

	loaded := collectAll(t, iter)
	require.Len(t, loaded, 3)
	for i, env := range loaded {
		assert.Equal(t, streams[i], env.StreamID, "event %d out of global order", i)
		assert.Equal(t, uint64(i+1), env.GlobalVersion)
	}

	iter, err = store.LoadFromAll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, collectAll(t, iter), 1)
}

func TestStore_LatestVersionAndExists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	version, err := store.LatestVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), version)

	exists, err := store.Exists(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Save(ctx, []cqrs.Envelope{
		newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"}),
		newEnvelope("acc-1", &MoneyDeposited{Account: "acc-1", Amount: 10}),
	}, cqrs.Any{})
	require.NoError(t, err)

	version, err = store.LatestVersion(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	exists, err = store.Exists(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_PurgeBefore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	old := newEnvelope("acc-1", &AccountOpened{Account: "acc-1", Owner: "alice"})
	old.OccurredAt = time.Now().UTC().Add(-48 * time.Hour)
	_, err := store.Save(ctx, []cqrs.Envelope{old}, cqrs.Any{})
	require.NoError(t, err)

	recent := newEnvelope("acc-1", &MoneyDeposited{Account: "acc-1", Amount: 10})
	_, err = store.Save(ctx, []cqrs.Envelope{recent}, cqrs.Any{})
	require.NoError(t, err)

	purged, err := store.PurgeBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	iter, err := store.LoadStream(ctx, "acc-1")
	require.NoError(t, err)
	loaded := collectAll(t, iter)
	require.Len(t, loaded, 1)
	assert.Equal(t, uint64(2), loaded[0].Version)
}

func TestSnapshotStore_RoundtripAndRetention(t *testing.T) {
	store := newStore(t)
	snapshots := sqlite.NewSnapshotStore(store)
	ctx := context.Background()

	_, err := snapshots.Latest(ctx, "Account", "acc-1")
	assert.ErrorIs(t, err, cqrs.ErrSnapshotNotFound)

	require.NoError(t, snapshots.Save(ctx, &cqrs.Snapshot{
		SnapshotID:    "snap-1",
		StreamID:      "acc-1",
		AggregateType: "Account",
		Version:       10,
		State:         []byte(`{"balance":100}`),
		CreatedAt:     time.Now().UTC().Add(-2 * time.Hour),
	}))
	require.NoError(t, snapshots.Save(ctx, &cqrs.Snapshot{
		SnapshotID:    "snap-2",
		StreamID:      "acc-1",
		AggregateType: "Account",
		Version:       20,
		State:         []byte(`{"balance":250}`),
		CreatedAt:     time.Now().UTC(),
	}))

	latest, err := snapshots.Latest(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.SnapshotID)
	assert.Equal(t, uint64(20), latest.Version)
	assert.JSONEq(t, `{"balance":250}`, string(latest.State))

	deleted, err := snapshots.DeleteOlderThan(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	latest, err = snapshots.Latest(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", latest.SnapshotID)
}

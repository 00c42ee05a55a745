// Package memory provides an in-memory SnapshotStore, useful for tests and
// for processes that can afford a full replay after a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	cqrs "github.com/eventfold/cqrs"
)

var _ cqrs.SnapshotStore = (*SnapshotStore)(nil)

type SnapshotStore struct {
	mu sync.RWMutex
	// latest snapshot per aggregateType/streamID; older ones are not kept.
	snapshots map[string]*cqrs.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]*cqrs.Snapshot)}
}

func key(aggregateType, streamID string) string {
	return aggregateType + "/" + streamID
}

func (s *SnapshotStore) Save(_ context.Context, snap *cqrs.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(snap.AggregateType, snap.StreamID)
	if existing, ok := s.snapshots[k]; ok && existing.Version > snap.Version {
		// Never move backwards; a concurrent writer already stored a newer one.
		return nil
	}
	copied := *snap
	s.snapshots[k] = &copied
	return nil
}

func (s *SnapshotStore) Latest(_ context.Context, aggregateType, streamID string) (*cqrs.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[key(aggregateType, streamID)]
	if !ok {
		return nil, fmt.Errorf("snapshot for stream %q: %w",
			streamID, cqrs.ErrSnapshotNotFound)
	}
	return snap, nil
}

func (s *SnapshotStore) DeleteOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var deleted int
	for k, snap := range s.snapshots {
		if snap.CreatedAt.Before(cutoff) {
			delete(s.snapshots, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = nil
	return nil
}

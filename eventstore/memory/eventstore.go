package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	cqrs "github.com/eventfold/cqrs"
)

// MemoryStore is the reference EventStore implementation: a map of stream
// slices guarded by one lock, which makes every append trivially atomic per
// stream. Appended envelopes are additionally published to a buffered
// channel so an event bus can fan them out.
type MemoryStore struct {
	mu     sync.RWMutex
	bus    chan *cqrs.Envelope
	global []*cqrs.Envelope
	events map[string][]*cqrs.Envelope
}

// NewMemoryStore creates a store whose published-events channel holds up to
// buffer envelopes. When the channel is full, publications are dropped;
// durability always comes from the store itself, never the channel.
func NewMemoryStore(buffer int64) *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*cqrs.Envelope),
		global: make([]*cqrs.Envelope, 0),
		bus:    make(chan *cqrs.Envelope, buffer),
	}
}

var _ cqrs.EventStore = (*MemoryStore)(nil)

func (m *MemoryStore) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	currentVersion := uint64(len(m.events[streamID]))

	switch rev := revision.(type) {
	case cqrs.Any:
		// No concurrency check.
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
			// Nothing was appended; the batch fails as a whole.
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
		events[i].GlobalVersion = uint64(len(m.global)) + 1

		m.events[streamID] = append(m.events[streamID], &events[i])
		m.global = append(m.global, &events[i])

		select {
		case m.bus <- &events[i]:
		default:
			// Publication channel full; the envelope is still durable.
		}
	}

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: currentVersion,
	}, nil
}

func (m *MemoryStore) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return m.LoadStreamFrom(ctx, id, 0)
}

func (m *MemoryStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return m.LoadStreamRange(ctx, id, version, 0)
}

func (m *MemoryStore) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	m.mu.RLock()
	events, exists := m.events[id]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("load stream %q: %w", id, cqrs.ErrStreamNotFound)
	}

	// Versions are 1-based and contiguous, so the slice offset for
	// "events after version `from`" is simply `from`.
	index := from
	iter := cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if int(index) >= len(events) {
			return nil, io.EOF
		}
		env := events[index]
		if to > 0 && env.Version >= to {
			return nil, io.EOF
		}
		index++
		return env, nil
	})
	return iter, nil
}

func (m *MemoryStore) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	m.mu.RLock()
	all := m.global
	m.mu.RUnlock()

	if int(position) >= len(all) {
		return cqrs.NewSliceIterator([]*cqrs.Envelope(nil)), nil
	}
	return cqrs.NewSliceIterator(all[position:]), nil
}

func (m *MemoryStore) LatestVersion(ctx context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events, exists := m.events[id]
	if !exists {
		return -1, nil
	}
	return int64(len(events)), nil
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.events[id]
	return exists, nil
}

// Events exposes the published-events channel for feeding an event bus.
func (m *MemoryStore) Events() <-chan *cqrs.Envelope {
	return m.bus
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		return nil
	}
	m.events = nil
	m.global = nil
	close(m.bus)
	return nil
}

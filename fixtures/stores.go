package fixtures

import (
	"context"
	"io"
	"sync"

	cqrs "github.com/eventfold/cqrs"
)

// StoreSpy is a configurable mock EventStore for testing.
// It tracks calls and allows injecting custom behavior or failures.
type StoreSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	SaveFn           func(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error)
	LoadStreamFn     func(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error)
	LoadStreamFromFn func(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error)

	// Call tracking
	SaveCalls           int
	LoadStreamCalls     int
	LoadStreamFromCalls int
	CloseCalls          int

	// Captured arguments from last call
	LastSaveEvents   []cqrs.Envelope
	LastSaveRevision cqrs.StreamState
	LastLoadStreamID string

	events map[string][]*cqrs.Envelope

	loadErr error
	saveErr error
}

var _ cqrs.EventStore = (*StoreSpy)(nil)

// NewStoreSpy creates a new StoreSpy with default behavior.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{events: make(map[string][]*cqrs.Envelope)}
}

// WithEvents pre-populates the store with envelopes for a stream.
func (s *StoreSpy) WithEvents(streamID string, events ...*cqrs.Envelope) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[streamID] = events
	return s
}

// WithEventsFromSlice pre-populates the store with envelopes built from events.
func (s *StoreSpy) WithEventsFromSlice(streamID string, events ...cqrs.Event) *StoreSpy {
	return s.WithEvents(streamID, EnvelopesFromEvents(events...)...)
}

// FailOnLoad configures the store to return an error on load operations.
func (s *StoreSpy) FailOnLoad(err error) *StoreSpy {
	s.loadErr = err
	return s
}

// FailOnSave configures the store to return an error on save operations.
func (s *StoreSpy) FailOnSave(err error) *StoreSpy {
	s.saveErr = err
	return s
}

func (s *StoreSpy) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
	s.mu.Lock()
	s.SaveCalls++
	s.LastSaveEvents = events
	s.LastSaveRevision = revision
	s.mu.Unlock()

	if s.SaveFn != nil {
		return s.SaveFn(ctx, events, revision)
	}
	if s.saveErr != nil {
		return cqrs.AppendResult{Successful: false}, s.saveErr
	}
	return s.appendEvents(events)
}

// appendEvents is the default save behavior: assign contiguous versions and
// store the batch. SaveFn overrides can call it to fall through.
func (s *StoreSpy) appendEvents(events []cqrs.Envelope) (cqrs.AppendResult, error) {
	if len(events) == 0 {
		return cqrs.AppendResult{Successful: true}, nil
	}

	streamID := events[0].StreamID

	s.mu.Lock()
	version := uint64(len(s.events[streamID]))
	for i := range events {
		version++
		events[i].Version = version
		env := events[i]
		s.events[streamID] = append(s.events[streamID], &env)
	}
	s.mu.Unlock()

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: version,
	}, nil
}

func (s *StoreSpy) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	s.mu.Lock()
	s.LoadStreamCalls++
	s.LastLoadStreamID = id
	s.mu.Unlock()

	if s.LoadStreamFn != nil {
		return s.LoadStreamFn(ctx, id)
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	events := s.events[id]
	s.mu.Unlock()

	return cqrs.NewSliceIterator(events), nil
}

func (s *StoreSpy) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	s.mu.Lock()
	s.LoadStreamFromCalls++
	s.LastLoadStreamID = id
	s.mu.Unlock()

	if s.LoadStreamFromFn != nil {
		return s.LoadStreamFromFn(ctx, id, version)
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	events := s.events[id]
	s.mu.Unlock()

	var filtered []*cqrs.Envelope
	for _, e := range events {
		if e.Version > version {
			filtered = append(filtered, e)
		}
	}

	return cqrs.NewSliceIterator(filtered), nil
}

func (s *StoreSpy) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	iter, err := s.LoadStreamFrom(ctx, id, from)
	if err != nil || to == 0 {
		return iter, err
	}

	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if !iter.Next(ctx) {
			if err := iter.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		env := iter.Value()
		if env.Version >= to {
			return nil, io.EOF
		}
		return env, nil
	}), nil
}

func (s *StoreSpy) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	s.mu.Lock()
	var all []*cqrs.Envelope
	for _, events := range s.events {
		for _, e := range events {
			if e.GlobalVersion > position {
				all = append(all, e)
			}
		}
	}
	s.mu.Unlock()

	return cqrs.NewSliceIterator(all), nil
}

func (s *StoreSpy) LatestVersion(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.events[id]
	if !ok {
		return -1, nil
	}
	return int64(len(events)), nil
}

func (s *StoreSpy) Exists(ctx context.Context, id string) (bool, error) {
	version, err := s.LatestVersion(ctx, id)
	return version >= 0, err
}

func (s *StoreSpy) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	return nil
}

// Reset clears all call counts and stored data.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SaveCalls = 0
	s.LoadStreamCalls = 0
	s.LoadStreamFromCalls = 0
	s.CloseCalls = 0
	s.LastSaveEvents = nil
	s.LastSaveRevision = nil
	s.LastLoadStreamID = ""
	s.events = make(map[string][]*cqrs.Envelope)
	s.loadErr = nil
	s.saveErr = nil
}

// ConflictingStore returns a StoreSpy whose Save always reports a revision
// conflict, optionally succeeding after n failures.
func ConflictingStore(streamID string, failures int) *StoreSpy {
	store := NewStoreSpy()
	var calls int
	store.SaveFn = func(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
		calls++
		if failures > 0 && calls > failures {
			return store.appendEvents(events)
		}
		expected := cqrs.Revision(0)
		if rev, ok := revision.(cqrs.Revision); ok {
			expected = rev
		}
		return cqrs.AppendResult{Successful: false}, &cqrs.StreamRevisionConflictError{
			Stream:           streamID,
			ExpectedRevision: expected,
			ActualRevision:   expected + 1,
		}
	}
	return store
}

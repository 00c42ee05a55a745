// Package disk implements a file-per-event store: each stream is a
// directory of JSON files named by zero-padded version, plus an "all"
// directory of symlinks in global order. Useful for local development and
// for inspecting streams with ordinary shell tools.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cqrs "github.com/eventfold/cqrs"
)

var _ cqrs.EventStore = (*FileStore)(nil)

// FileStore persists envelopes as individual JSON files. A single mutex
// serializes writers, which makes the revision check race-free; the
// filesystem is the durable medium, so the store survives restarts as long
// as the registry knows the stored event types.
type FileStore struct {
	baseDir  string
	registry *cqrs.EventRegistry
	mu       sync.Mutex
	bus      chan *cqrs.Envelope
}

// NewFileStore creates (or reopens) a store rooted at dir. The registry is
// used to rebuild concrete event values when reading.
func NewFileStore(dir string, registry *cqrs.EventRegistry) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "all"), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{
		baseDir:  dir,
		registry: registry,
		bus:      make(chan *cqrs.Envelope, 100),
	}, nil
}

type storedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	AggregateType string          `json:"aggregate_type"`
	Metadata      map[string]any  `json:"metadata"`
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
	CausationID   uuid.UUID       `json:"causation_id,omitempty"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Version       uint64          `json:"version"`
	GlobalVersion uint64          `json:"global_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (f *FileStore) streamDir(id string) string {
	return filepath.Join(f.baseDir, id)
}

func (f *FileStore) streamLen(id string) (uint64, bool) {
	files, err := os.ReadDir(f.streamDir(id))
	if err != nil {
		return 0, false
	}
	count := uint64(0)
	for _, fi := range files {
		if !fi.IsDir() {
			count++
		}
	}
	return count, true
}

func (f *FileStore) globalLen() uint64 {
	files, err := os.ReadDir(filepath.Join(f.baseDir, "all"))
	if err != nil {
		return 0
	}
	return uint64(len(files))
}

func (f *FileStore) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
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

	f.mu.Lock()
	defer f.mu.Unlock()

	sdir := f.streamDir(streamID)
	if err := os.MkdirAll(sdir, 0o755); err != nil {
		return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
	}

	currentVersion, _ := f.streamLen(streamID)

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

	globalSeq := f.globalLen()

	// Write every file before linking any of them into all/, so a failed
	// batch can be detected and is never partially visible in global order.
	written := make([]string, 0, len(events))
	cleanup := func() {
		for _, path := range written {
			_ = os.Remove(path)
		}
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			cleanup()
			return cqrs.AppendResult{Successful: false}, err
		}

		currentVersion++
		globalSeq++
		events[i].Version = currentVersion
		events[i].GlobalVersion = globalSeq

		data, err := json.Marshal(events[i].Event)
		if err != nil {
			cleanup()
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
		stored, err := json.Marshal(storedEvent{
			EventID:       events[i].EventID,
			StreamID:      events[i].StreamID,
			AggregateType: events[i].AggregateType,
			Metadata:      events[i].Metadata,
			CorrelationID: events[i].CorrelationID,
			CausationID:   events[i].CausationID,
			EventType:     events[i].Event.EventType(),
			Data:          data,
			Version:       events[i].Version,
			GlobalVersion: events[i].GlobalVersion,
			OccurredAt:    events[i].OccurredAt,
		})
		if err != nil {
			cleanup()
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}

		path := filepath.Join(sdir, fmt.Sprintf("%010d-%s.json", events[i].Version, events[i].Event.EventType()))
		if err := os.WriteFile(path, stored, 0o644); err != nil {
			cleanup()
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
		written = append(written, path)
	}

	for i := range events {
		link := filepath.Join(f.baseDir, "all",
			fmt.Sprintf("%010d-%s.json", events[i].GlobalVersion, events[i].Event.EventType()))
		rel, err := filepath.Rel(filepath.Join(f.baseDir, "all"), written[i])
		if err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
		if err := os.Symlink(rel, link); err != nil {
			return cqrs.AppendResult{}, cqrs.WrapEventStoreError(err)
		}
	}

	for i := range events {
		select {
		case f.bus <- &events[i]:
		default:
		}
	}

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: currentVersion,
	}, nil
}

func (f *FileStore) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return f.LoadStreamRange(ctx, id, 0, 0)
}

func (f *FileStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return f.LoadStreamRange(ctx, id, version, 0)
}

func (f *FileStore) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	if _, exists := f.streamLen(id); !exists {
		return nil, fmt.Errorf("load stream %q: %w", id, cqrs.ErrStreamNotFound)
	}
	return f.loadFromDir(f.streamDir(id), from, to)
}

func (f *FileStore) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return f.loadFromDir(filepath.Join(f.baseDir, "all"), position, 0)
}

// loadFromDir yields envelopes from files sorted by their zero-padded
// sequence prefix, skipping ordinals <= from and stopping before to.
func (f *FileStore) loadFromDir(dir string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cqrs.NewSliceIterator([]*cqrs.Envelope(nil)), nil
		}
		return nil, cqrs.WrapEventStoreError(err)
	}

	idx := 0
	nextFunc := func(ctx context.Context) (*cqrs.Envelope, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for idx < len(files) {
			fi := files[idx]
			idx++
			if fi.IsDir() {
				continue
			}

			seq, _, ok := strings.Cut(fi.Name(), "-")
			if !ok {
				continue
			}
			ordinal, err := strconv.ParseUint(seq, 10, 64)
			if err != nil || ordinal <= from {
				continue
			}
			if to > 0 && ordinal >= to {
				return nil, io.EOF
			}

			env, err := f.readEnvelope(filepath.Join(dir, fi.Name()))
			if err != nil {
				return nil, err
			}
			return env, nil
		}
		return nil, io.EOF
	}

	return cqrs.NewIteratorFunc(nextFunc), nil
}

func (f *FileStore) readEnvelope(path string) (*cqrs.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(err)
	}

	var stored storedEvent
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("decode %s: %w", path, err))
	}

	ev, err := f.registry.New(stored.EventType)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("cannot create event %q: %w", stored.EventType, err))
	}
	if err := json.Unmarshal(stored.Data, ev); err != nil {
		return nil, cqrs.WrapEventStoreError(fmt.Errorf("cannot unmarshal event %q: %w", stored.EventType, err))
	}

	return &cqrs.Envelope{
		EventID:       stored.EventID,
		StreamID:      stored.StreamID,
		AggregateType: stored.AggregateType,
		Event:         ev,
		Metadata:      stored.Metadata,
		CorrelationID: stored.CorrelationID,
		CausationID:   stored.CausationID,
		Version:       stored.Version,
		GlobalVersion: stored.GlobalVersion,
		OccurredAt:    stored.OccurredAt,
	}, nil
}

func (f *FileStore) LatestVersion(ctx context.Context, id string) (int64, error) {
	count, exists := f.streamLen(id)
	if !exists {
		return -1, nil
	}
	return int64(count), nil
}

func (f *FileStore) Exists(ctx context.Context, id string) (bool, error) {
	_, exists := f.streamLen(id)
	return exists, nil
}

// Events exposes the published-events channel for feeding an event bus.
func (f *FileStore) Events() <-chan *cqrs.Envelope {
	return f.bus
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bus != nil {
		close(f.bus)
		f.bus = nil
	}
	return nil
}

// Package kurrentdb implements the EventStore contract on a KurrentDB
// cluster. Events are stored as JSON with the registry resolving concrete
// types on the way back out.
package kurrentdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"

	cqrs "github.com/eventfold/cqrs"
)

var _ cqrs.EventStore = (*Store)(nil)

type Store struct {
	client   *kurrentdb.Client
	registry *cqrs.EventRegistry
}

// NewStore creates a KurrentDB-backed event store. The registry must know
// every event type the store will be asked to read back.
func NewStore(client *kurrentdb.Client, registry *cqrs.EventRegistry) *Store {
	return &Store{client: client, registry: registry}
}

// streamState maps the store-agnostic revision expectation onto the
// KurrentDB wire representation. KurrentDB revisions are zero-based while
// versions here count events, so Revision(n) expects the last event at
// revision n-1.
func streamState(revision cqrs.StreamState) (kurrentdb.StreamState, error) {
	switch rev := revision.(type) {
	case cqrs.Any:
		return kurrentdb.Any{}, nil
	case cqrs.NoStream:
		return kurrentdb.NoStream{}, nil
	case cqrs.StreamExists:
		return kurrentdb.StreamExists{}, nil
	case cqrs.Revision:
		if rev == 0 {
			return kurrentdb.NoStream{}, nil
		}
		return kurrentdb.StreamRevision{Value: uint64(rev) - 1}, nil
	default:
		return nil, cqrs.ErrInvalidRevision
	}
}

func (s *Store) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
	if len(events) == 0 {
		return cqrs.AppendResult{Successful: true}, nil
	}

	streamID := events[0].StreamID
	kevents := make([]kurrentdb.EventData, len(events))
	for i, ev := range events {
		if ev.StreamID != streamID {
			return cqrs.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has different stream ID %q",
				streamID, cqrs.ErrInvalidEventBatch, i, ev.StreamID,
			)
		}

		eventData, err := json.Marshal(ev.Event)
		if err != nil {
			return cqrs.AppendResult{Successful: false}, err
		}
		metaData, err := json.Marshal(ev.Metadata)
		if err != nil {
			return cqrs.AppendResult{Successful: false}, err
		}

		kevents[i] = kurrentdb.EventData{
			EventID:     ev.EventID,
			EventType:   ev.Event.EventType(),
			ContentType: kurrentdb.ContentTypeJson,
			Data:        eventData,
			Metadata:    metaData,
		}
	}

	state, err := streamState(revision)
	if err != nil {
		return cqrs.AppendResult{Successful: false},
			fmt.Errorf("unsupported revision type for stream %q: %w", streamID, err)
	}

	result, err := s.client.AppendToStream(ctx, streamID, kurrentdb.AppendToStreamOptions{
		StreamState: state,
	}, kevents...)
	if err != nil {
		if kErr, ok := kurrentdb.FromError(err); !ok &&
			kErr.IsErrorCode(kurrentdb.ErrorCodeWrongExpectedVersion) {
			if rev, isRev := revision.(cqrs.Revision); isRev {
				actual, verr := s.LatestVersion(ctx, streamID)
				if verr != nil || actual < 0 {
					actual = 0
				}
				return cqrs.AppendResult{}, &cqrs.StreamRevisionConflictError{
					Stream:           streamID,
					ExpectedRevision: rev,
					ActualRevision:   cqrs.Revision(actual),
				}
			}
		}
		return cqrs.AppendResult{Successful: false}, cqrs.WrapEventStoreError(err)
	}

	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: result.NextExpectedVersion + 1,
	}, nil
}

// decode converts a resolved KurrentDB event into an envelope.
func (s *Store) decode(kEvent *kurrentdb.ResolvedEvent) (*cqrs.Envelope, error) {
	ev, err := s.registry.New(kEvent.Event.EventType)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(
			fmt.Errorf("cannot create event %q: %w", kEvent.Event.EventType, err))
	}
	if err := json.Unmarshal(kEvent.Event.Data, ev); err != nil {
		return nil, cqrs.WrapEventStoreError(
			fmt.Errorf("cannot unmarshal event %q: %w", kEvent.Event.EventType, err))
	}

	var metadata map[string]any
	if err := json.Unmarshal(kEvent.Event.UserMetadata, &metadata); err != nil {
		metadata = make(map[string]any)
	}

	return &cqrs.Envelope{
		EventID:       kEvent.Event.EventID,
		StreamID:      kEvent.Event.StreamID,
		Event:         ev,
		Metadata:      metadata,
		Version:       kEvent.Event.EventNumber + 1,
		GlobalVersion: kEvent.Event.Position.Commit,
		OccurredAt:    kEvent.Event.CreatedDate,
	}, nil
}

func (s *Store) iterate(streamer *kurrentdb.ReadStream) *cqrs.Iterator[*cqrs.Envelope] {
	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		kEvent, err := streamer.Recv()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, cqrs.WrapEventStoreError(err)
		}
		return s.decode(kEvent)
	})
}

func (s *Store) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return s.LoadStreamRange(ctx, id, 0, 0)
}

func (s *Store) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	return s.LoadStreamRange(ctx, id, version, 0)
}

func (s *Store) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	count := int64(-1)
	if to > 0 {
		if to <= from+1 {
			return cqrs.NewSliceIterator([]*cqrs.Envelope(nil)), nil
		}
		count = int64(to - from - 1)
	}

	streamer, err := s.client.ReadStream(ctx, id, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From: kurrentdb.StreamRevision{
			Value: from,
		},
		ResolveLinkTos: true,
	}, uint64(count))
	if err != nil {
		return nil, mapReadError(id, err)
	}

	return s.iterate(streamer), nil
}

func (s *Store) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	streamer, err := s.client.ReadAll(ctx, kurrentdb.ReadAllOptions{
		Direction: kurrentdb.Forwards,
		From: kurrentdb.Position{
			Commit: position,
		},
		ResolveLinkTos: true,
	}, math.MaxUint64)
	if err != nil {
		return nil, cqrs.WrapEventStoreError(err)
	}

	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		kEvent, err := streamer.Recv()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, cqrs.WrapEventStoreError(err)
		}
		return s.decode(kEvent)
	}), nil
}

func (s *Store) LatestVersion(ctx context.Context, id string) (int64, error) {
	streamer, err := s.client.ReadStream(ctx, id, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, 1)
	if err != nil {
		if isNotFound(err) {
			return -1, nil
		}
		return 0, cqrs.WrapEventStoreError(err)
	}
	defer streamer.Close()

	kEvent, err := streamer.Recv()
	if err != nil {
		if err == io.EOF || isNotFound(err) {
			return -1, nil
		}
		return 0, cqrs.WrapEventStoreError(err)
	}
	return int64(kEvent.Event.EventNumber) + 1, nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	version, err := s.LatestVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return version >= 0, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func mapReadError(id string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("load stream %q: %w", id, cqrs.ErrStreamNotFound)
	}
	return cqrs.WrapEventStoreError(err)
}

func isNotFound(err error) bool {
	kErr, ok := kurrentdb.FromError(err)
	return !ok && kErr.IsErrorCode(kurrentdb.ErrorCodeResourceNotFound)
}

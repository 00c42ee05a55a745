package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cqrs "github.com/eventfold/cqrs"
)

var _ cqrs.EventStore = (*TelemetryStore)(nil)

// TelemetryStore decorates an EventStore with spans and metrics. Load spans
// cover the whole iteration, not just the initial call, so replay cost shows
// up as one span per rebuild.
type TelemetryStore struct {
	next cqrs.EventStore
}

// WithEventStoreTelemetry wraps next in a TelemetryStore.
func WithEventStoreTelemetry(next cqrs.EventStore) *TelemetryStore {
	return &TelemetryStore{next: next}
}

func (t *TelemetryStore) Save(ctx context.Context, events []cqrs.Envelope, revision cqrs.StreamState) (cqrs.AppendResult, error) {
	var streamID string
	if len(events) > 0 {
		streamID = events[0].StreamID
	}

	ctx, span := tracer.Start(ctx, "EventStore.Save",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("save"),
			AttrStreamID.String(streamID),
			AttrEventCount.Int(len(events)),
			AttrExpectedRevision.String(fmt.Sprintf("%T", revision)),
		),
	)
	defer span.End()

	// Inject trace context into event metadata so consumers on the other
	// side of the store can continue the trace.
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for i := range events {
		if len(carrier) == 0 {
			break
		}
		if events[i].Metadata == nil {
			events[i].Metadata = make(map[string]any, len(carrier))
		}
		for key, value := range carrier {
			events[i].Metadata[key] = value
		}
	}

	start := time.Now()
	result, err := t.next.Save(ctx, events, revision)

	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("save")),
	)
	EventStoreSaves.Add(ctx, 1)

	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

func (t *TelemetryStore) LoadStream(ctx context.Context, id string) (*cqrs.Iterator[*cqrs.Envelope], error) {
	iter, err := t.next.LoadStream(ctx, id)
	return t.instrumentIterator("EventStore.LoadStream", id, iter, err)
}

func (t *TelemetryStore) LoadStreamFrom(ctx context.Context, id string, version uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	iter, err := t.next.LoadStreamFrom(ctx, id, version)
	return t.instrumentIterator("EventStore.LoadStreamFrom", id, iter, err)
}

func (t *TelemetryStore) LoadStreamRange(ctx context.Context, id string, from, to uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	iter, err := t.next.LoadStreamRange(ctx, id, from, to)
	return t.instrumentIterator("EventStore.LoadStreamRange", id, iter, err)
}

func (t *TelemetryStore) LoadFromAll(ctx context.Context, position uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	iter, err := t.next.LoadFromAll(ctx, position)
	return t.instrumentIterator("EventStore.LoadFromAll", "", iter, err)
}

// instrumentIterator wraps a load iterator so the span starts lazily on the
// first Next and ends when iteration finishes or fails.
func (t *TelemetryStore) instrumentIterator(spanName, streamID string, iter *cqrs.Iterator[*cqrs.Envelope], err error) (*cqrs.Iterator[*cqrs.Envelope], error) {
	if err != nil {
		EventStoreErrors.Add(context.Background(), 1)
		return iter, err
	}

	started := false
	var startedAt time.Time
	var span trace.Span
	var eventCount int64

	return cqrs.NewIteratorFunc(func(ctx context.Context) (*cqrs.Envelope, error) {
		if !started {
			started = true
			startedAt = time.Now()
			attrs := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindClient)}
			if streamID != "" {
				attrs = append(attrs, trace.WithAttributes(AttrStreamID.String(streamID)))
			}
			ctx, span = tracer.Start(ctx, spanName, attrs...)
		}

		if !iter.Next(ctx) {
			span.SetAttributes(AttrEventCount.Int64(eventCount))

			if err := iter.Err(); err != nil {
				EventStoreErrors.Add(ctx, 1)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return nil, err
			}

			EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()),
				metric.WithAttributes(AttrOperation.String("load")),
			)
			EventStoreLoads.Add(ctx, 1)
			span.End()
			return nil, io.EOF
		}

		eventCount++
		return iter.Value(), nil
	}), nil
}

func (t *TelemetryStore) LatestVersion(ctx context.Context, id string) (int64, error) {
	version, err := t.next.LatestVersion(ctx, id)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
	}
	return version, err
}

func (t *TelemetryStore) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := t.next.Exists(ctx, id)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
	}
	return exists, err
}

func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

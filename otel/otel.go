// Package otel provides an OpenTelemetry decorator for the event store.
// The buses and repository carry their own instruments; this package covers
// the store boundary, where trace context also gets injected into event
// metadata for downstream consumers.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/eventfold/cqrs/otel"

const (
	AttrOperation        = attribute.Key("cqrs.eventstore.operation")
	AttrStreamID         = attribute.Key("cqrs.stream.id")
	AttrEventCount       = attribute.Key("cqrs.events.count")
	AttrExpectedRevision = attribute.Key("cqrs.stream.expected_revision")
)

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	EventStoreSaves, _ = meter.Int64Counter(
		"cqrs.eventstore.saves",
		metric.WithDescription("Number of save operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreLoads, _ = meter.Int64Counter(
		"cqrs.eventstore.loads",
		metric.WithDescription("Number of load operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"cqrs.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"cqrs.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)
)

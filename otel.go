package cqrs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/eventfold/cqrs"

// Attribute keys shared by all instruments and spans.
var (
	AttrCommandType   = attribute.Key("cqrs.command.type")
	AttrQueryType     = attribute.Key("cqrs.query.type")
	AttrAggregateType = attribute.Key("cqrs.aggregate.type")
	AttrStreamID      = attribute.Key("cqrs.stream.id")
	AttrErrorType     = attribute.Key("cqrs.error.type")
)

var (
	meter  metric.Meter
	tracer trace.Tracer

	// Command metrics
	CommandsHandled  metric.Int64Counter
	CommandsFailed   metric.Int64Counter
	CommandsDuration metric.Float64Histogram
	CommandsInFlight metric.Int64UpDownCounter

	// Query metrics
	QueriesHandled  metric.Int64Counter
	QueriesFailed   metric.Int64Counter
	QueriesDuration metric.Float64Histogram
	QueriesInFlight metric.Int64UpDownCounter

	// Cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Event metrics
	EventsAppended metric.Int64Counter
	EventsLoaded   metric.Int64Counter

	// System metrics
	ConcurrencyConflicts metric.Int64Counter
	SnapshotsTaken       metric.Int64Counter
	StreamVersions       metric.Int64Gauge

	once        sync.Once
	initErr     error
	initialized bool
)

// Init initializes the global instruments against the configured OTel
// provider. Bus and repository constructors call it lazily; without an SDK
// installed every instrument is a no-op.
func Init() error {
	once.Do(func() {
		meter = otel.Meter(instrumentationName)
		tracer = otel.Tracer(instrumentationName)
		initErr = initializeMetrics()
		if initErr == nil {
			initialized = true
		}
	})
	return initErr
}

// IsInitialized returns whether metrics have been initialized.
func IsInitialized() bool {
	return initialized
}

// MustInit initializes metrics and panics on error.
// Use this in main() for fail-fast behavior.
func MustInit() {
	if err := Init(); err != nil {
		panic("failed to initialize metrics: " + err.Error())
	}
}

func initializeMetrics() error {
	var err error

	CommandsHandled, err = meter.Int64Counter(
		"cqrs.commands.handled",
		metric.WithDescription("Number of commands handled"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	CommandsFailed, err = meter.Int64Counter(
		"cqrs.commands.failed",
		metric.WithDescription("Number of commands that returned an error"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	CommandsDuration, err = meter.Float64Histogram(
		"cqrs.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		return err
	}

	CommandsInFlight, err = meter.Int64UpDownCounter(
		"cqrs.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return err
	}

	QueriesHandled, err = meter.Int64Counter(
		"cqrs.queries.handled",
		metric.WithDescription("Number of queries handled"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	QueriesFailed, err = meter.Int64Counter(
		"cqrs.queries.failed",
		metric.WithDescription("Number of queries that returned an error"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	QueriesDuration, err = meter.Float64Histogram(
		"cqrs.queries.duration",
		metric.WithDescription("Query handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return err
	}

	QueriesInFlight, err = meter.Int64UpDownCounter(
		"cqrs.queries.in_flight",
		metric.WithDescription("Number of queries currently being processed"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	CacheHits, err = meter.Int64Counter(
		"cqrs.query_cache.hits",
		metric.WithDescription("Number of query results served from cache"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	CacheMisses, err = meter.Int64Counter(
		"cqrs.query_cache.misses",
		metric.WithDescription("Number of query cache misses"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return err
	}

	EventsAppended, err = meter.Int64Counter(
		"cqrs.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	EventsLoaded, err = meter.Int64Counter(
		"cqrs.events.loaded",
		metric.WithDescription("Number of events replayed from streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	ConcurrencyConflicts, err = meter.Int64Counter(
		"cqrs.concurrency.conflicts",
		metric.WithDescription("Number of optimistic-concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return err
	}

	SnapshotsTaken, err = meter.Int64Counter(
		"cqrs.snapshots.taken",
		metric.WithDescription("Number of snapshots written by policy"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	StreamVersions, err = meter.Int64Gauge(
		"cqrs.stream.version",
		metric.WithDescription("Current version of streams"),
		metric.WithUnit("{version}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// StartCommandSpan starts a span for command handling.
func StartCommandSpan(ctx context.Context, cmd Command) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cqrs.command",
		trace.WithAttributes(
			AttrCommandType.String(TypeName(cmd)),
			AttrStreamID.String(cmd.AggregateID()),
		),
	)
}

// StartQuerySpan starts a span for query handling.
func StartQuerySpan(ctx context.Context, qry Query) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cqrs.query",
		trace.WithAttributes(AttrQueryType.String(TypeName(qry))),
	)
}

// EndSpan records err on the span, sets its status and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

package cqrs

import (
	"fmt"
	"sync"
	"time"

	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

// QueryBus is the central registry for query handlers, keyed by the
// query/result type pair so one query type may serve several result shapes.
// Execution goes through a typed GenericQueryGateway.
//
// Like the CommandBus, it is an owned object constructed at startup; there
// is no ambient registry.
//
// When constructed with a QueryCache, every registered handler becomes
// read-through cached: results are stored under "<QueryType>:<CacheKey>"
// with the cache's TTL, and served from cache without invoking the handler
// while unexpired.
type QueryBus struct {
	mu       sync.RWMutex
	handlers map[string]any
	cache    *QueryCache
	logger   *logrus.Entry
}

// QueryBusOption configures a QueryBus.
type QueryBusOption func(*QueryBus)

// WithQueryCache enables read-through result caching on the bus.
func WithQueryCache(cache *QueryCache) QueryBusOption {
	return func(b *QueryBus) { b.cache = cache }
}

// WithQueryBusLogger sets the logger for registration overrides.
func WithQueryBusLogger(logger *logrus.Entry) QueryBusOption {
	return func(b *QueryBus) { b.logger = logger }
}

// NewQueryBus creates a QueryBus.
func NewQueryBus(opts ...QueryBusOption) *QueryBus {
	b := &QueryBus{
		handlers: make(map[string]any),
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	_ = Init()
	return b
}

// Cache returns the bus's query cache, or nil when caching is disabled.
// Exposed for manual cache busting after out-of-band writes.
func (b *QueryBus) Cache() *QueryCache { return b.cache }

func queryKey[T Query, R any]() string {
	return fmt.Sprintf("%T|%T", *new(T), *new(R))
}

// RegisterQueryHandler registers a QueryHandler for a specific query and
// result type on the bus. Re-registration for the same pair replaces the
// previous handler; last write wins and the override is logged.
func RegisterQueryHandler[T Query, R any](bus *QueryBus, handler QueryHandler[T, R]) {
	key := queryKey[T, R]()
	var zero T
	queryType := TypeName(zero)

	wrapped := func(ctx context.Context, qry T) (R, error) {
		startTime := now()

		ctx, span := StartQuerySpan(ctx, qry)
		QueriesInFlight.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(queryType)))
		defer QueriesInFlight.Add(ctx, -1, metric.WithAttributes(AttrQueryType.String(queryType)))

		var cacheKey string
		if bus.cache != nil {
			cacheKey = queryType + ":" + qry.CacheKey()
			// A result of the wrong type under this key means two handlers
			// share the query type with different result shapes; treat it
			// as a miss rather than serving it.
			if cached, ok := bus.cache.Get(cacheKey); ok {
				if result, ok := cached.(R); ok {
					CacheHits.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(queryType)))
					EndSpan(span, nil)
					return result, nil
				}
			}
			CacheMisses.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(queryType)))
		}

		result, err := handler.HandleQuery(ctx, qry)

		duration := float64(time.Since(startTime).Milliseconds())
		QueriesDuration.Record(ctx, duration, metric.WithAttributes(AttrQueryType.String(queryType)))

		if err != nil {
			QueriesFailed.Add(ctx, 1, metric.WithAttributes(
				AttrQueryType.String(queryType),
				AttrErrorType.String("handler_error"),
			))
			EndSpan(span, err)
			return result, err
		}

		QueriesHandled.Add(ctx, 1, metric.WithAttributes(AttrQueryType.String(queryType)))
		if bus.cache != nil {
			bus.cache.Set(cacheKey, result)
		}

		EndSpan(span, nil)
		return result, nil
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if _, exists := bus.handlers[key]; exists {
		bus.logger.Warnf("handler for query %s replaced; last registration wins", key)
	}
	bus.handlers[key] = queryHandlerFunc[T, R](wrapped)
}

// UnregisterQueryHandler removes the handler for the query/result pair and
// invalidates every cache entry under the query type's prefix, so a stale
// cached result cannot outlive the handler that produced it.
func UnregisterQueryHandler[T Query, R any](bus *QueryBus) {
	key := queryKey[T, R]()
	var zero T
	queryType := TypeName(zero)

	bus.mu.Lock()
	delete(bus.handlers, key)
	bus.mu.Unlock()

	if bus.cache != nil {
		bus.cache.Invalidate(queryType + ":*")
	}
}

func (b *QueryBus) lookup(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[key]
	return h, ok
}

package cqrs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// CommandHandler implements the business logic for commands of type C.
// Handlers must be idempotent-safe to re-run: after a concurrency conflict
// the same command is retried against freshly loaded state.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// handlerOptions defines configuration for NewCommandHandler.
type handlerOptions struct {
	// RetryStrategy controls retries after revision conflicts. The default
	// is no retries: the conflict is returned to the caller.
	RetryStrategy func() backoff.BackOff

	// MetadataFuncs enrich every produced envelope with request-scoped
	// metadata before persistence.
	MetadataFuncs []func(ctx context.Context) map[string]any
}

// CommandHandlerOption customizes NewCommandHandler.
type CommandHandlerOption func(*handlerOptions)

// WithRetryStrategy sets the backoff used to retry a command after a
// revision conflict. The factory is invoked per dispatch so concurrent
// commands do not share backoff state.
//
// Usage:
//
//	handler := NewCommandHandler(repo, newCart, decide,
//	    WithRetryStrategy(func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }))
func WithRetryStrategy(factory func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = factory }
}

// WithMetadataExtractor adds a metadata function applied to every envelope
// the command produces. Multiple extractors combine in registration order.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		cfg.MetadataFuncs = append(cfg.MetadataFuncs, fn)
	}
}

// NewCommandHandler returns a generic command handler for any aggregate
// type. It implements the canonical event-sourcing write path:
//
//  1. Construct the aggregate via newAggregate and load it through the
//     Repository (snapshot seed plus trailing replay).
//  2. Run decide, whose domain logic applies new events to the aggregate.
//  3. Persist the uncommitted events under the optimistic revision check.
//  4. On a revision conflict, reload and re-run decide per the configured
//     retry strategy. Business-rule violations are never retried.
//
// A command against an aggregate that does not exist yet starts from the
// empty aggregate; the decide function is responsible for rejecting
// operations that require prior state.
func NewCommandHandler[A Aggregate, C Command](
	repo *Repository,
	newAggregate func(id string) A,
	decide func(agg A, cmd C) error,
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (AppendResult, error) {
		return backoff.RetryWithData(func() (AppendResult, error) {
			agg := newAggregate(command.AggregateID())

			if err := repo.Load(ctx, agg); err != nil && !errors.Is(err, ErrAggregateNotFound) {
				return AppendResult{Successful: false},
					backoff.Permanent(fmt.Errorf("handle %T for aggregate %q: load failed: %w",
						command, command.AggregateID(), err))
			}

			if err := decide(agg, command); err != nil {
				return AppendResult{Successful: false},
					backoff.Permanent(fmt.Errorf("handle %T for aggregate %q: %w",
						command, command.AggregateID(), err))
			}

			if len(cfg.MetadataFuncs) > 0 {
				enrichUncommitted(ctx, agg, cfg.MetadataFuncs)
			}

			result, err := repo.Save(ctx, agg)
			if err != nil {
				var conflict *StreamRevisionConflictError
				if errors.As(err, &conflict) {
					// Retryable: the next attempt reloads at the new head.
					return AppendResult{Successful: false, StreamID: conflict.Stream}, err
				}
				return result, backoff.Permanent(fmt.Errorf("handle %T for aggregate %q: save failed: %w",
					command, command.AggregateID(), err))
			}
			return result, nil
		}, cfg.RetryStrategy())
	}
}

func enrichUncommitted(ctx context.Context, agg Aggregate, fns []func(ctx context.Context) map[string]any) {
	events := agg.UncommittedEvents()
	for i := range events {
		if events[i].Metadata == nil {
			events[i].Metadata = make(map[string]any)
		}
		for _, fn := range fns {
			for k, v := range fn(ctx) {
				events[i].Metadata[k] = v
			}
		}
	}
}

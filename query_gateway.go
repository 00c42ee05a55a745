package cqrs

import (
	"context"
	"fmt"
)

// GenericQueryGateway provides a typed interface for executing queries
// registered on a QueryBus. It implements QueryHandler[T,R] itself, so it
// can be passed wherever a handler is expected.
//
// Example Usage:
//
//	bus := NewQueryBus(WithQueryCache(NewQueryCache()))
//	RegisterQueryHandler(bus, NewQueryHandlerFunc(func(ctx context.Context, q GetUser) (*User, error) {
//	    return store.FindUser(ctx, q.UserID)
//	}))
//
//	gateway := NewQueryGateway[GetUser, *User](bus)
//	user, err := gateway.HandleQuery(ctx, GetUser{UserID: "u1"})
type GenericQueryGateway[T Query, R any] struct {
	bus *QueryBus
}

// NewQueryGateway creates a typed gateway for a specific query type backed
// by a QueryBus.
func NewQueryGateway[T Query, R any](bus *QueryBus) GenericQueryGateway[T, R] {
	return GenericQueryGateway[T, R]{bus: bus}
}

// HandleQuery validates the query and executes its registered handler.
// Fails with a ValidationError when the query is malformed and with an
// error wrapping ErrHandlerNotFound when nothing is registered for the
// query/result pair; in neither case is any handler invoked.
func (g GenericQueryGateway[T, R]) HandleQuery(ctx context.Context, qry T) (R, error) {
	var zero R

	if err := qry.Validate(); err != nil {
		return zero, &ValidationError{Request: TypeName(qry), Err: err}
	}

	h, ok := g.bus.lookup(queryKey[T, R]())
	if !ok {
		return zero, fmt.Errorf("query %T -> %T: %w", qry, zero, ErrHandlerNotFound)
	}

	handler, ok := h.(QueryHandler[T, R])
	if !ok {
		return zero, fmt.Errorf("handler type mismatch for query %T -> %T", qry, zero)
	}

	return handler.HandleQuery(ctx, qry)
}

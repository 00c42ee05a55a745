package cqrs

import (
	"context"
	"sort"
)

// EventHandler represents a generic event handler that can handle an Event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// eventHandlerFunc is a function type that implements EventHandler.
type eventHandlerFunc func(ctx context.Context, event Event) error

func (h eventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return h(ctx, event)
}

// NewEventHandlerFunc creates an EventHandler from a plain function. There
// is no type filtering: the function receives every event it is invoked
// with. Use OnEvent for type safety.
func NewEventHandlerFunc(fn func(ctx context.Context, event Event) error) EventHandler {
	return eventHandlerFunc(fn)
}

// typedEventHandler is a strongly typed event handler for a specific Event type T.
type typedEventHandler[T Event] func(ctx context.Context, ev T) error

// EventName returns the name of the event type T. Used by
// EventGroupProcessor for routing.
func (h typedEventHandler[T]) EventName() string {
	var zero T
	return TypeName(zero)
}

// Handle processes the event if it matches the type T.
// Returns ErrSkippedEvent if the event is of the wrong type.
func (h typedEventHandler[T]) Handle(ctx context.Context, event Event) error {
	ev, ok := event.(T)
	if !ok {
		return &ErrSkippedEvent{Event: event}
	}
	return h(ctx, ev)
}

// OnEvent creates a strongly-typed EventHandler for a specific event type.
//
// Example Usage:
//
//	handler := OnEvent(func(ctx context.Context, ev OrderCreated) error {
//	    return projector.ApplyCreated(ctx, ev)
//	})
func OnEvent[T Event](fn func(ctx context.Context, ev T) error) EventHandler {
	return typedEventHandler[T](fn)
}

// namedEventHandler is implemented by typed handlers that know which event
// type they serve.
type namedEventHandler interface {
	EventHandler
	EventName() string
}

// EventGroupProcessor routes events to the correct typed handler in a
// group sharing one subscriber, for example a projector with one handler
// per event type.
type EventGroupProcessor struct {
	handlers map[string]EventHandler
}

// NewEventGroupProcessor builds a processor from typed handlers created via
// OnEvent. Panics on a handler without a type name or a duplicate type:
// both are wiring defects.
func NewEventGroupProcessor(handlers ...EventHandler) *EventGroupProcessor {
	group := &EventGroupProcessor{
		handlers: make(map[string]EventHandler, len(handlers)),
	}
	for _, h := range handlers {
		named, ok := h.(namedEventHandler)
		if !ok {
			panic("event group handlers must be created with OnEvent")
		}
		if _, exists := group.handlers[named.EventName()]; exists {
			panic("duplicate handler for event " + named.EventName())
		}
		group.handlers[named.EventName()] = h
	}
	return group
}

// Handle routes the event to the handler registered for its type. An event
// without a handler returns ErrSkippedEvent: skipping is an explicit
// choice the caller can observe, not a silent drop.
func (g *EventGroupProcessor) Handle(ctx context.Context, event Event) error {
	handler, ok := g.handlers[TypeName(event)]
	if !ok {
		return &ErrSkippedEvent{Event: event}
	}
	return handler.Handle(ctx, event)
}

// EventNames returns the sorted list of event types the group handles,
// usable as a subscription filter.
func (g *EventGroupProcessor) EventNames() []string {
	names := make([]string, 0, len(g.handlers))
	for name := range g.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package cqrs

import "context"

// SubscriberOption configures a subscription; reserved for backend-specific
// settings.
type SubscriberOption func(cfg any)

// EventBus distributes persisted events to registered subscribers. It is
// strictly downstream of the event store: the store remains the single
// source of truth, and delivery is at-least-once within the process with
// no cross-subscriber ordering guarantee.
type EventBus interface {
	// Subscribe adds a named handler. The filter selects which events the
	// handler sees; a nil filter receives everything. The subscription is
	// removed when ctx is canceled.
	Subscribe(ctx context.Context, name string, filter func(Event) bool, handler EventHandler, options ...SubscriberOption) error

	// Errors returns a channel where async handling errors are sent.
	Errors() <-chan error

	// Close closes the bus and waits for all handlers to finish.
	Close() error
}

// Package memory provides an in-process event bus. Each subscriber gets a
// buffered channel and a dedicated worker goroutine; a slow subscriber drops
// events rather than blocking the publisher.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cqrs "github.com/eventfold/cqrs"
)

type subscriber struct {
	name    string
	filter  func(cqrs.Event) bool
	handler cqrs.EventHandler
	events  chan *cqrs.Envelope
	cancel  context.CancelFunc
}

type EventBus struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	closed     bool
	errs       chan error
	wg         sync.WaitGroup
	bufferSize int
}

var _ cqrs.EventBus = (*EventBus)(nil)

// NewEventBus constructs a new bus with a given subscriber buffer size.
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a named handler. A nil filter receives every event.
// The subscription is removed when ctx is canceled.
func (b *EventBus) Subscribe(
	ctx context.Context,
	name string,
	filter func(cqrs.Event) bool,
	handler cqrs.EventHandler,
	_ ...cqrs.SubscriberOption,
) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if filter == nil {
		filter = func(cqrs.Event) bool { return true }
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("eventbus is closed")
	}

	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("handler with name %q already registered", name)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		name:    name,
		filter:  filter,
		handler: handler,
		events:  make(chan *cqrs.Envelope, b.bufferSize),
		cancel:  cancel,
	}

	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s)

	// Automatically remove when the caller's ctx finishes.
	go func() {
		<-ctx.Done()
		b.removeSubscriber(name)
	}()

	return nil
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close shuts down the bus and waits for all workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for name, s := range b.subs {
		s.cancel()
		close(s.events)
		delete(b.subs, name)
	}
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)

	return nil
}

// runSubscriber processes envelopes for a single handler.
func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-s.events:
			if !ok {
				return
			}

			if err := s.handler.Handle(cqrs.WithEnvelope(ctx, env), env.Event); err != nil {
				select {
				case b.errs <- fmt.Errorf("handler %q: %w", s.name, err):
				default:
					// Drop error if channel full.
				}
			}
		}
	}
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, name)
	b.mu.Unlock()

	s.cancel()
	close(s.events)
}

// Dispatch sends an envelope to all matching subscribers.
func (b *EventBus) Dispatch(env *cqrs.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if s.filter(env.Event) {
			select {
			case s.events <- env:
			default:
				// Drop event if subscriber is busy.
			}
		}
	}
}

// Pump forwards envelopes from a store's published-events channel onto the
// bus until the channel closes or ctx is canceled. It is meant to run in
// its own goroutine.
func (b *EventBus) Pump(ctx context.Context, events <-chan *cqrs.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			b.Dispatch(env)
		}
	}
}

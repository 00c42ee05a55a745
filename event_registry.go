package cqrs

import (
	"fmt"
	"sync"
)

// EventRegistry maps event type names to factory functions so stores can
// rebuild concrete Event values from their serialized form. It is an owned
// object: construct one, register the application's event types at startup
// and hand it to the store backends that decode events. There is no
// package-level registry to contaminate across tests or tenants.
type EventRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		factories: make(map[string]func() Event),
	}
}

// Register registers an event type under its own EventType name. The
// factory must return a fresh, non-nil instance on every call; typically a
// pointer so the store can unmarshal into it.
//
// Panics on a nil factory, a nil instance or a duplicate name: all three
// are startup wiring defects.
func (r *EventRegistry) Register(fn func() Event) {
	if fn == nil {
		panic("cannot register nil event factory")
	}
	r.RegisterName(fn().EventType(), fn)
}

// RegisterName registers an event factory under a custom name, independent
// of EventType. Useful when stored type names diverge from Go type names.
func (r *EventRegistry) RegisterName(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil event factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}

	ev := fn()
	if ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	r.factories[name] = fn
}

// New creates a new instance of a registered event by name.
func (r *EventRegistry) New(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event not registered: %s", name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

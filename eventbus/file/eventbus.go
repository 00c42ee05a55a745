// Package file provides a filesystem-backed event bus. Each subscriber owns
// a spool directory under the bus root; Dispatch writes one JSON file per
// event into every matching spool, and an fsnotify watcher drains it. Files
// survive a process crash, so unprocessed events are replayed on restart.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	cqrs "github.com/eventfold/cqrs"
)

type subscriber struct {
	name    string
	filter  func(cqrs.Event) bool
	handler cqrs.EventHandler
	cancel  context.CancelFunc
}

type EventBus struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	root     string
	registry *cqrs.EventRegistry
	errs     chan error
	closed   bool
	wg       sync.WaitGroup
}

var _ cqrs.EventBus = (*EventBus)(nil)

// spooledEvent is the wire form written to subscriber directories. The
// concrete event type is restored through the registry on the way back in.
type spooledEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   uuid.UUID       `json:"causation_id"`
	Version       uint64          `json:"version"`
	GlobalVersion uint64          `json:"global_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEventBus constructs the bus rooted at dir. The registry must know every
// event type the bus will spool.
func NewEventBus(root string, registry *cqrs.EventRegistry) (*EventBus, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	return &EventBus{
		root:     root,
		registry: registry,
		subs:     make(map[string]*subscriber),
		errs:     make(chan error, 64),
	}, nil
}

// Subscribe registers a named handler. A nil filter receives every event.
// The subscription is removed when ctx is canceled; its spool directory is
// kept so a re-subscribe under the same name resumes where it left off.
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
		return fmt.Errorf("subscriber %q already exists", name)
	}

	subDir := filepath.Join(b.root, name)
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())

	s := &subscriber{
		name:    name,
		filter:  filter,
		handler: handler,
		cancel:  cancel,
	}

	b.subs[name] = s

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s, subDir)

	go func() {
		<-ctx.Done()
		b.removeSubscriber(name)
	}()

	return nil
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Dispatch writes the envelope into every matching subscriber spool. The
// write goes to a .tmp file first so watchers never observe a torn file.
func (b *EventBus) Dispatch(env *cqrs.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	eventData, err := json.Marshal(env.Event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(spooledEvent{
		EventID:       env.EventID,
		StreamID:      env.StreamID,
		AggregateType: env.AggregateType,
		EventType:     env.Event.EventType(),
		Data:          eventData,
		Metadata:      env.Metadata,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Version:       env.Version,
		GlobalVersion: env.GlobalVersion,
		OccurredAt:    env.OccurredAt,
	})
	if err != nil {
		return err
	}

	for name, s := range b.subs {
		if !s.filter(env.Event) {
			continue
		}

		dir := filepath.Join(b.root, name)
		filename := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), env.EventID)
		path := filepath.Join(dir, filename)

		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			continue
		}
		_ = os.Rename(tmp, path)
	}

	return nil
}

// runSubscriber watches the subscriber directory for new events.
func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber, dir string) {
	defer b.wg.Done()

	// Crash recovery: drain files left over from a previous run.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
				continue
			}
			b.processFile(ctx, s, filepath.Join(dir, e.Name()))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.reportErr(fmt.Errorf("subscriber %q: start watcher: %w", s.name, err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		b.reportErr(fmt.Errorf("subscriber %q: watch %q: %w", s.name, dir, err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				if strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				b.processFile(ctx, s, ev.Name)
			}

		case err := <-watcher.Errors:
			b.reportErr(fmt.Errorf("subscriber %q: watcher: %w", s.name, err))
		}
	}
}

// processFile reads and handles a single event file, deleting it on success.
// Failed files stay in place and are retried on the next restart.
func (b *EventBus) processFile(ctx context.Context, s *subscriber, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var spooled spooledEvent
	if err := json.Unmarshal(data, &spooled); err != nil {
		b.reportErr(fmt.Errorf("subscriber %q: decode %q: %w", s.name, path, err))
		return
	}

	ev, err := b.registry.New(spooled.EventType)
	if err != nil {
		b.reportErr(fmt.Errorf("subscriber %q: unknown event %q: %w", s.name, spooled.EventType, err))
		return
	}
	if err := json.Unmarshal(spooled.Data, ev); err != nil {
		b.reportErr(fmt.Errorf("subscriber %q: unmarshal event %q: %w", s.name, spooled.EventType, err))
		return
	}

	env := &cqrs.Envelope{
		EventID:       spooled.EventID,
		StreamID:      spooled.StreamID,
		AggregateType: spooled.AggregateType,
		Event:         ev,
		Metadata:      spooled.Metadata,
		CorrelationID: spooled.CorrelationID,
		CausationID:   spooled.CausationID,
		Version:       spooled.Version,
		GlobalVersion: spooled.GlobalVersion,
		OccurredAt:    spooled.OccurredAt,
	}

	if err := s.handler.Handle(cqrs.WithEnvelope(ctx, env), env.Event); err != nil {
		b.reportErr(fmt.Errorf("handler %q: %w", s.name, err))
		return // file stays for retry
	}

	_ = os.Remove(path)
}

func (b *EventBus) reportErr(err error) {
	select {
	case b.errs <- err:
	default:
		// Drop error if channel full.
	}
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		s.cancel()
	}
}

// Close shuts down the bus and waits for workers.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

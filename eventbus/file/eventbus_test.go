package file_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cqrs "github.com/eventfold/cqrs"
	busfile "github.com/eventfold/cqrs/eventbus/file"
	"github.com/google/uuid"
)

type InvoiceIssued struct {
	InvoiceID string `json:"invoice_id"`
	Total     int    `json:"total"`
}

func (e *InvoiceIssued) AggregateID() string { return e.InvoiceID }
func (e *InvoiceIssued) EventType() string   { return "InvoiceIssued" }

type InvoicePaid struct {
	InvoiceID string `json:"invoice_id"`
}

func (e *InvoicePaid) AggregateID() string { return e.InvoiceID }
func (e *InvoicePaid) EventType() string   { return "InvoicePaid" }

func newRegistry() *cqrs.EventRegistry {
	registry := cqrs.NewEventRegistry()
	registry.Register(func() cqrs.Event { return &InvoiceIssued{} })
	registry.Register(func() cqrs.Event { return &InvoicePaid{} })
	return registry
}

type recorder struct {
	mu     sync.Mutex
	events []cqrs.Event
}

func (r *recorder) Handle(ctx context.Context, event cqrs.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) first() cqrs.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[0]
}

// eventually polls cond until it holds or the deadline passes. Filesystem
// notification latency varies across platforms, so assertions on delivery
// must poll.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newEnvelope(event cqrs.Event) *cqrs.Envelope {
	return &cqrs.Envelope{
		EventID:    uuid.New(),
		StreamID:   event.AggregateID(),
		Event:      event,
		Version:    1,
		OccurredAt: time.Now().UTC(),
	}
}

func TestDispatchDeliversThroughSpool(t *testing.T) {
	bus, err := busfile.NewEventBus(t.TempDir(), newRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	rec := &recorder{}
	if err := bus.Subscribe(context.Background(), "billing", nil, rec); err != nil {
		t.Fatal(err)
	}

	if err := bus.Dispatch(newEnvelope(&InvoiceIssued{InvoiceID: "inv-1", Total: 900})); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return rec.count() == 1 }, "event never delivered")

	issued, ok := rec.first().(*InvoiceIssued)
	if !ok {
		t.Fatalf("expected *InvoiceIssued, got %T", rec.first())
	}
	if issued.Total != 900 {
		t.Errorf("event payload lost in spool roundtrip: %+v", issued)
	}
}

func TestDispatchHonorsFilter(t *testing.T) {
	bus, err := busfile.NewEventBus(t.TempDir(), newRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	rec := &recorder{}
	onlyPaid := func(e cqrs.Event) bool { return e.EventType() == "InvoicePaid" }
	if err := bus.Subscribe(context.Background(), "payments", onlyPaid, rec); err != nil {
		t.Fatal(err)
	}

	_ = bus.Dispatch(newEnvelope(&InvoiceIssued{InvoiceID: "inv-1", Total: 900}))
	_ = bus.Dispatch(newEnvelope(&InvoicePaid{InvoiceID: "inv-1"}))

	eventually(t, func() bool { return rec.count() == 1 }, "filtered event never delivered")
	time.Sleep(50 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("filter leaked: %d events delivered", rec.count())
	}
	if rec.first().EventType() != "InvoicePaid" {
		t.Fatalf("expected InvoicePaid, got %s", rec.first().EventType())
	}
}

func TestSpooledFileRemovedAfterHandling(t *testing.T) {
	root := t.TempDir()
	bus, err := busfile.NewEventBus(root, newRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	rec := &recorder{}
	if err := bus.Subscribe(context.Background(), "billing", nil, rec); err != nil {
		t.Fatal(err)
	}

	_ = bus.Dispatch(newEnvelope(&InvoiceIssued{InvoiceID: "inv-1", Total: 100}))
	eventually(t, func() bool { return rec.count() == 1 }, "event never delivered")

	eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(root, "billing"))
		return err == nil && len(entries) == 0
	}, "handled spool file was not removed")
}

func TestRestartDrainsLeftoverSpool(t *testing.T) {
	root := t.TempDir()
	registry := newRegistry()

	// First incarnation spools an event with no subscriber worker to drain
	// it: subscribe (to create the spool dir), close, then write directly.
	first, err := busfile.NewEventBus(root, registry)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	if err := first.Subscribe(context.Background(), "billing", nil, rec); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	spooled := []byte(`{
		"event_id": "` + uuid.NewString() + `",
		"stream_id": "inv-9",
		"event_type": "InvoiceIssued",
		"data": {"invoice_id": "inv-9", "total": 50},
		"version": 1
	}`)
	leftover := filepath.Join(root, "billing", "00000000000000000001-crashed.json")
	if err := os.WriteFile(leftover, spooled, 0o644); err != nil {
		t.Fatal(err)
	}

	// A fresh bus over the same root replays the leftover file on subscribe.
	second, err := busfile.NewEventBus(root, registry)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	rec2 := &recorder{}
	if err := second.Subscribe(context.Background(), "billing", nil, rec2); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return rec2.count() == 1 }, "leftover spool file never replayed")

	issued, ok := rec2.first().(*InvoiceIssued)
	if !ok || issued.InvoiceID != "inv-9" {
		t.Fatalf("unexpected replayed event: %#v", rec2.first())
	}
}

func TestUnknownEventTypeReportsError(t *testing.T) {
	// An empty registry cannot rebuild any spooled event.
	bus, err := busfile.NewEventBus(t.TempDir(), cqrs.NewEventRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	if err := bus.Subscribe(context.Background(), "billing", nil, &recorder{}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dispatch(newEnvelope(&InvoicePaid{InvoiceID: "inv-1"})); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-bus.Errors():
		if err == nil {
			t.Fatal("expected a decode error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for decode error")
	}
}

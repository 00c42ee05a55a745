package cqrs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestWithEnvelopeRoundTrip(t *testing.T) {
	correlation := uuid.New()
	causation := uuid.New()
	eventID := uuid.New()
	occurred := time.Now().Add(-time.Hour)

	env := &Envelope{
		EventID:       eventID,
		StreamID:      "acc-1",
		Event:         deposited{ID: "acc-1", Amount: 1},
		Metadata:      map[string]any{"tenant": "t1"},
		CorrelationID: correlation,
		CausationID:   causation,
		Version:       7,
		GlobalVersion: 42,
		OccurredAt:    occurred,
	}

	ctx := WithEnvelope(context.Background(), env)

	if got := StreamIDFromContext(ctx); got != "acc-1" {
		t.Errorf("stream ID: got %q", got)
	}
	if got := EventIDFromContext(ctx); got != eventID {
		t.Errorf("event ID: got %v", got)
	}
	if got := VersionFromContext(ctx); got != 7 {
		t.Errorf("version: got %d", got)
	}
	if got := GlobalVersionFromContext(ctx); got != 42 {
		t.Errorf("global version: got %d", got)
	}
	if got := OccurredAtFromContext(ctx); !got.Equal(occurred) {
		t.Errorf("occurred at: got %v", got)
	}
	if got := CorrelationIDFromContext(ctx); got != correlation {
		t.Errorf("correlation ID: got %v", got)
	}
	if got := CausationIDFromContext(ctx); got != causation {
		t.Errorf("causation ID: got %v", got)
	}
	if md := MetadataFromContext(ctx); md["tenant"] != "t1" {
		t.Errorf("metadata: got %v", md)
	}
}

func TestContextAccessorsZeroValues(t *testing.T) {
	ctx := context.Background()

	if got := StreamIDFromContext(ctx); got != "" {
		t.Errorf("expected empty stream ID, got %q", got)
	}
	if got := VersionFromContext(ctx); got != 0 {
		t.Errorf("expected zero version, got %d", got)
	}
	if got := EventIDFromContext(ctx); got != uuid.Nil {
		t.Errorf("expected nil event ID, got %v", got)
	}
	if md := MetadataFromContext(ctx); md != nil {
		t.Errorf("expected nil metadata, got %v", md)
	}
}

package logging_test

import (
	"context"
	"errors"
	"testing"

	cqrs "github.com/eventfold/cqrs"
	"github.com/eventfold/cqrs/logging"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type openAccount struct {
	Account string
}

func (c openAccount) AggregateID() string { return c.Account }
func (c openAccount) Validate() error     { return nil }

type accountQuery struct {
	Account string
}

func (q accountQuery) CacheKey() string { return "account:" + q.Account }
func (q accountQuery) Validate() error  { return nil }

type accountOpened struct {
	Account string
}

func (e accountOpened) AggregateID() string { return e.Account }
func (e accountOpened) EventType() string   { return "accountOpened" }

func newTestLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func TestCommandLoggingPassesThrough(t *testing.T) {
	entry, hook := newTestLogger()

	var handled bool
	handler := logging.WithCommandLogging(entry, func(ctx context.Context, cmd openAccount) (cqrs.AppendResult, error) {
		handled = true
		return cqrs.AppendResult{Successful: true, StreamID: cmd.Account}, nil
	})

	result, err := handler(context.Background(), openAccount{Account: "acc-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !handled || !result.Successful {
		t.Fatal("decorator must delegate to the wrapped handler")
	}

	if len(hook.Entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(hook.Entries))
	}
	if hook.LastEntry().Level != logrus.InfoLevel {
		t.Errorf("expected info level, got %s", hook.LastEntry().Level)
	}
}

func TestCommandLoggingRecordsFailure(t *testing.T) {
	entry, hook := newTestLogger()

	wantErr := errors.New("account already open")
	handler := logging.WithCommandLogging(entry, func(ctx context.Context, cmd openAccount) (cqrs.AppendResult, error) {
		return cqrs.AppendResult{}, wantErr
	})

	_, err := handler(context.Background(), openAccount{Account: "acc-1"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("decorator must not swallow the error, got %v", err)
	}

	if len(hook.Entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(hook.Entries))
	}
	if hook.LastEntry().Level != logrus.ErrorLevel {
		t.Errorf("expected error level, got %s", hook.LastEntry().Level)
	}
}

func TestQueryLoggingPassesThrough(t *testing.T) {
	entry, hook := newTestLogger()

	next := cqrs.NewQueryHandlerFunc(func(ctx context.Context, q accountQuery) (int, error) {
		return 42, nil
	})
	handler := logging.WithQueryLogging(entry, next)

	result, err := handler.HandleQuery(context.Background(), accountQuery{Account: "acc-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %d", result)
	}
	if len(hook.Entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(hook.Entries))
	}
}

func TestQueryLoggingRecordsFailure(t *testing.T) {
	entry, hook := newTestLogger()

	wantErr := errors.New("read model unavailable")
	next := cqrs.NewQueryHandlerFunc(func(ctx context.Context, q accountQuery) (int, error) {
		return 0, wantErr
	})
	handler := logging.WithQueryLogging(entry, next)

	if _, err := handler.HandleQuery(context.Background(), accountQuery{Account: "acc-1"}); !errors.Is(err, wantErr) {
		t.Fatalf("decorator must not swallow the error, got %v", err)
	}
	if hook.LastEntry().Level != logrus.ErrorLevel {
		t.Errorf("expected error level, got %s", hook.LastEntry().Level)
	}
}

func TestEventLoggingAddsEnvelopeFields(t *testing.T) {
	entry, hook := newTestLogger()

	next := cqrs.NewEventHandlerFunc(func(ctx context.Context, event cqrs.Event) error {
		return nil
	})
	handler := logging.WithEventLogging(entry, next)

	env := &cqrs.Envelope{
		StreamID: "acc-1",
		Event:    accountOpened{Account: "acc-1"},
		Version:  3,
	}
	ctx := cqrs.WithEnvelope(context.Background(), env)

	if err := handler.Handle(ctx, env.Event); err != nil {
		t.Fatal(err)
	}

	if len(hook.Entries) != 2 {
		t.Fatalf("expected start and success entries, got %d", len(hook.Entries))
	}
	fields := hook.LastEntry().Data
	if fields["stream-id"] != "acc-1" {
		t.Errorf("expected stream-id field, got %v", fields["stream-id"])
	}
	if fields["version"] != uint64(3) {
		t.Errorf("expected version field 3, got %v", fields["version"])
	}
}

func TestEventLoggingPropagatesError(t *testing.T) {
	entry, hook := newTestLogger()

	wantErr := errors.New("projection out of date")
	next := cqrs.NewEventHandlerFunc(func(ctx context.Context, event cqrs.Event) error {
		return wantErr
	})
	handler := logging.WithEventLogging(entry, next)

	ctx := cqrs.WithEnvelope(context.Background(), &cqrs.Envelope{
		StreamID: "acc-1",
		Event:    accountOpened{Account: "acc-1"},
		Version:  1,
	})

	if err := handler.Handle(ctx, accountOpened{Account: "acc-1"}); !errors.Is(err, wantErr) {
		t.Fatalf("decorator must not swallow the error, got %v", err)
	}
	if hook.LastEntry().Level != logrus.ErrorLevel {
		t.Errorf("expected error level, got %s", hook.LastEntry().Level)
	}
}

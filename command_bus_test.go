package cqrs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ---- Test stubs ----

type testCmd struct {
	ID          string
	validateErr error
}

func (c testCmd) AggregateID() string { return c.ID }
func (c testCmd) Validate() error     { return c.validateErr }

type testCmd2 struct {
	ID string
}

func (c testCmd2) AggregateID() string { return c.ID }
func (c testCmd2) Validate() error     { return nil }

// ---- Tests ----

func TestCommandBus_Success(t *testing.T) {
	bus := NewCommandBus(10, 2)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true, StreamID: cmd.ID}, nil
	})

	res, err := bus.Dispatch(context.Background(), testCmd{ID: "abc"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !res.Successful {
		t.Fatal("expected successful result")
	}
	if res.StreamID != "abc" {
		t.Fatalf("expected stream abc, got %q", res.StreamID)
	}
}

func TestCommandBus_ValidationFailsBeforeHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	invoked := false
	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		invoked = true
		return AppendResult{Successful: true}, nil
	})

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x", validateErr: errors.New("missing field")})

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if invoked {
		t.Fatal("handler must not run for an invalid command")
	}
}

func TestCommandBus_NoHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "missing"})
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestCommandBus_HandlerPanic(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		panic("boom")
	})

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if err == nil {
		t.Fatal("expected panic recovery error")
	}

	// The worker must survive the panic.
	Register(bus, func(ctx context.Context, cmd testCmd2) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})
	if _, err := bus.Dispatch(context.Background(), testCmd2{ID: "x"}); err != nil {
		t.Fatalf("worker did not survive panic: %v", err)
	}
}

func TestCommandBus_ContextCancelWhileWaiting(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		time.Sleep(200 * time.Millisecond)
		return AppendResult{Successful: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bus.Dispatch(ctx, testCmd{ID: "slow-op"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRegister_OverrideReplacesHandler(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{}, errors.New("first handler")
	})
	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})

	res, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if err != nil {
		t.Fatalf("expected second handler to win, got %v", err)
	}
	if !res.Successful {
		t.Fatal("expected successful result from replacement handler")
	}
}

func TestUnregister(t *testing.T) {
	bus := NewCommandBus(10, 1)
	defer bus.Stop()

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})
	Unregister[testCmd](bus)

	_, err := bus.Dispatch(context.Background(), testCmd{ID: "x"})
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound after Unregister, got %v", err)
	}
}

func TestCommandBus_Stop(t *testing.T) {
	bus := NewCommandBus(10, 1)

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		return AppendResult{Successful: true}, nil
	})

	if _, err := bus.Dispatch(context.Background(), testCmd{ID: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Stop()

	if _, err := bus.Dispatch(context.Background(), testCmd{ID: "x"}); err == nil {
		t.Fatal("expected error after Stop")
	}
}

func TestCommandBus_StopConcurrentWithDispatch(t *testing.T) {
	// Stop closes the shard queues after draining; a dispatch racing the
	// shutdown must either run or be refused, never send on a closed queue.
	for i := 0; i < 50; i++ {
		bus := NewCommandBus(1, 2)

		Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
			return AppendResult{Successful: true}, nil
		})

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				// Errors are fine here; a panic fails the test.
				_, _ = bus.Dispatch(context.Background(), testCmd{ID: string(rune('a' + id))})
			}(j)
		}
		bus.Stop()
		wg.Wait()
	}
}

func TestCommandBus_ShardDeterministic(t *testing.T) {
	bus := NewCommandBus(10, 3)
	defer bus.Stop()

	if bus.getShard("abc") != bus.getShard("abc") {
		t.Fatal("shard hashing not deterministic")
	}
}

func TestCommandBus_SameAggregateSerialized(t *testing.T) {
	bus := NewCommandBus(32, 4)
	defer bus.Stop()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	Register(bus, func(ctx context.Context, cmd testCmd) (AppendResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return AppendResult{Successful: true}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := bus.Dispatch(context.Background(), testCmd{ID: "same-aggregate"}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("commands for one aggregate must be serialized, saw %d in flight", maxInFlight)
	}
}

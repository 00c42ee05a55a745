package cqrs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	cqrs "github.com/eventfold/cqrs"
	"github.com/eventfold/cqrs/eventstore/memory"
	"github.com/eventfold/cqrs/fixtures"
)

type fundWallet struct {
	Wallet string
	Amount int
}

func (c fundWallet) AggregateID() string { return c.Wallet }

func (c fundWallet) Validate() error {
	if c.Amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

type spendWallet struct {
	Wallet string
	Amount int
}

func (c spendWallet) AggregateID() string { return c.Wallet }
func (c spendWallet) Validate() error     { return nil }

func TestCommandHandlerCreatesAndEvolvesAggregate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore(16)
	repo := cqrs.NewRepository(store)
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd fundWallet) error { return w.Fund(cmd.Amount) })

	result, err := handler(ctx, fundWallet{Wallet: "w-1", Amount: 100})
	if err != nil {
		t.Fatalf("first command failed: %v", err)
	}
	if result.NextExpectedVersion != 1 {
		t.Fatalf("expected version 1, got %d", result.NextExpectedVersion)
	}

	result, err = handler(ctx, fundWallet{Wallet: "w-1", Amount: 50})
	if err != nil {
		t.Fatalf("second command failed: %v", err)
	}
	if result.NextExpectedVersion != 2 {
		t.Fatalf("expected version 2, got %d", result.NextExpectedVersion)
	}

	w := newWallet("w-1")
	if err := repo.Load(ctx, w); err != nil {
		t.Fatal(err)
	}
	if w.Balance != 150 {
		t.Fatalf("expected balance 150, got %d", w.Balance)
	}
}

func TestCommandHandlerRejectsBusinessRule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryStore(16)
	repo := cqrs.NewRepository(store)
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd spendWallet) error { return w.Spend(cmd.Amount) })

	_, err := handler(ctx, spendWallet{Wallet: "w-1", Amount: 10})
	if err == nil {
		t.Fatal("expected a rejection for overspending an empty wallet")
	}

	version, err := store.LatestVersion(ctx, "w-1")
	if err != nil {
		t.Fatal(err)
	}
	if version != -1 {
		t.Fatalf("a rejected command must append nothing, stream is at %d", version)
	}
}

func TestCommandHandlerRetriesOnConflict(t *testing.T) {
	spy := fixtures.ConflictingStore("w-1", 2)
	repo := cqrs.NewRepository(spy)
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd fundWallet) error { return w.Fund(cmd.Amount) },
		cqrs.WithRetryStrategy(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		}))

	result, err := handler(context.Background(), fundWallet{Wallet: "w-1", Amount: 10})
	if err != nil {
		t.Fatalf("expected the retry to outlast the conflicts: %v", err)
	}
	if !result.Successful {
		t.Fatal("expected a successful append")
	}
	if spy.SaveCalls != 3 {
		t.Fatalf("expected 3 save attempts, got %d", spy.SaveCalls)
	}
}

func TestCommandHandlerConflictExhaustsRetries(t *testing.T) {
	repo := cqrs.NewRepository(fixtures.ConflictingStore("w-1", 0))
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd fundWallet) error { return w.Fund(cmd.Amount) },
		cqrs.WithRetryStrategy(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
		}))

	_, err := handler(context.Background(), fundWallet{Wallet: "w-1", Amount: 10})
	var conflict *cqrs.StreamRevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected the conflict to surface after retries run out, got %v", err)
	}
}

func TestCommandHandlerDefaultDoesNotRetry(t *testing.T) {
	// One failure is enough: without a retry strategy the first conflict
	// comes straight back.
	spy := fixtures.ConflictingStore("w-1", 1)
	repo := cqrs.NewRepository(spy)
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd fundWallet) error { return w.Fund(cmd.Amount) })

	_, err := handler(context.Background(), fundWallet{Wallet: "w-1", Amount: 10})
	var conflict *cqrs.StreamRevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a conflict, got %v", err)
	}
	if spy.SaveCalls != 1 {
		t.Fatalf("expected a single save attempt, got %d", spy.SaveCalls)
	}
}

func TestCommandHandlerMetadataExtractors(t *testing.T) {
	spy := fixtures.NewStoreSpy()
	repo := cqrs.NewRepository(spy)
	handler := cqrs.NewCommandHandler(repo, newWallet,
		func(w *wallet, cmd fundWallet) error { return w.Fund(cmd.Amount) },
		cqrs.WithMetadataExtractor(func(ctx context.Context) map[string]any {
			return map[string]any{"tenant": "acme"}
		}),
		cqrs.WithMetadataExtractor(func(ctx context.Context) map[string]any {
			return map[string]any{"actor": "alice"}
		}))

	if _, err := handler(context.Background(), fundWallet{Wallet: "w-1", Amount: 10}); err != nil {
		t.Fatal(err)
	}

	if len(spy.LastSaveEvents) != 1 {
		t.Fatalf("expected 1 saved event, got %d", len(spy.LastSaveEvents))
	}
	meta := spy.LastSaveEvents[0].Metadata
	if meta["tenant"] != "acme" || meta["actor"] != "alice" {
		t.Fatalf("expected both extractors applied, got %v", meta)
	}
}

package cqrs

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
)

// queuedCommand represents a command enqueued in the command bus for
// processing, carrying the caller's context and a response channel.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

// commandResult represents the result of processing a command.
type commandResult struct {
	Result AppendResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher. It maps command
// type names to exactly one handler each and executes commands on a set of
// worker goroutines sharded by aggregate ID, so commands targeting the same
// aggregate are processed in order while different aggregates proceed in
// parallel.
//
// The bus is an owned, constructed object: build one at startup, register
// handlers on it and pass it where dispatching is needed. There is no
// package-level registry.
type CommandBus struct {
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)
	queues     []chan queuedCommand
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	shardCount int
	logger     *logrus.Entry
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithCommandBusLogger sets the logger for registration overrides and
// dispatch failures.
func WithCommandBusLogger(logger *logrus.Entry) CommandBusOption {
	return func(b *CommandBus) { b.logger = logger }
}

// NewCommandBus creates a CommandBus with the given per-shard queue buffer
// size and shard count. Worker goroutines are started immediately.
func NewCommandBus(bufferSize, shardCount int, opts ...CommandBusOption) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		queues:     make([]chan queuedCommand, shardCount),
		handlers:   make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		stopCh:     make(chan struct{}),
		shardCount: shardCount,
		logger:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(bus)
	}
	_ = Init()

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch validates the command, enqueues it for its shard's worker and
// waits for the result. It is safe to call concurrently.
//
// Failure modes, in order: a ValidationError if the command fails its own
// Validate; an error wrapping ErrHandlerNotFound if no handler is
// registered for the command's type; otherwise whatever the handler
// returns, with a revision conflict left intact for the caller to retry.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	// Join the waitgroup before checking stopCh: Stop waits on the group
	// before closing the shard queues, so once we are past this check the
	// queue we send on cannot be closed under us.
	b.wg.Add(1)
	defer b.wg.Done()

	select {
	case <-b.stopCh:
		return AppendResult{Successful: false}, fmt.Errorf("command bus is stopped")
	default:
	}

	if err := cmd.Validate(); err != nil {
		return AppendResult{Successful: false}, &ValidationError{Request: TypeName(cmd), Err: err}
	}

	responseCh := make(chan commandResult, 1)

	shard := b.getShard(cmd.AggregateID())

	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return AppendResult{Successful: false}, ctx.Err()
		}
	case <-ctx.Done():
		return AppendResult{Successful: false}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	for cmd := range queue {
		cmdName := TypeName(cmd.Command)

		b.mu.RLock()
		h, exists := b.handlers[cmdName]
		b.mu.RUnlock()

		if !exists {
			b.logger.Errorf("no handler registered for command %s", cmdName)
			cmd.ResponseCh <- commandResult{
				Result: AppendResult{Successful: false},
				Err:    fmt.Errorf("command %s: %w", cmdName, ErrHandlerNotFound),
			}
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					cmd.ResponseCh <- commandResult{
						Result: AppendResult{Successful: false},
						Err:    fmt.Errorf("panic in handler for %s: %v", cmdName, r),
					}
				}
			}()

			res, err := h(cmd.Ctx, cmd.Command)
			cmd.ResponseCh <- commandResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) getShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32()) % b.shardCount
}

// Register adds a typed command handler to the bus. The command type name
// is derived automatically, so no registration strings are needed.
//
// Re-registering a type replaces the previous handler. Last write wins,
// and the override is logged loudly since it is usually a wiring mistake.
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	var zero C
	cmdName := TypeName(zero)

	wrapped := func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{Successful: false}, fmt.Errorf("expected command type %s but got %T", cmdName, cmd)
		}

		startTime := now()
		ctx, span := StartCommandSpan(ctx, c)
		CommandsInFlight.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(cmdName)))
		defer CommandsInFlight.Add(ctx, -1, metric.WithAttributes(AttrCommandType.String(cmdName)))

		result, err := handler(ctx, c)

		duration := float64(time.Since(startTime).Milliseconds())
		CommandsDuration.Record(ctx, duration, metric.WithAttributes(AttrCommandType.String(cmdName)))
		if err != nil {
			CommandsFailed.Add(ctx, 1, metric.WithAttributes(
				AttrCommandType.String(cmdName),
				AttrErrorType.String(fmt.Sprintf("%T", err)),
			))
		} else {
			CommandsHandled.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(cmdName)))
		}
		EndSpan(span, err)

		return result, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[cmdName]; exists {
		b.logger.Warnf("handler for command %s replaced; last registration wins", cmdName)
	}
	b.handlers[cmdName] = wrapped
}

// Unregister removes the handler for command type C. Dispatching that type
// afterwards fails with ErrHandlerNotFound.
func Unregister[C Command](b *CommandBus) {
	var zero C
	cmdName := TypeName(zero)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, cmdName)
}

// Stop shuts down the bus: it stops accepting new commands, closes the
// shard queues and waits for all in-flight commands to finish.
func (b *CommandBus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	for _, q := range b.queues {
		close(q)
	}
}

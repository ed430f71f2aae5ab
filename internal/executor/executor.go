// Package executor implements CommandExecutor: a bounded concurrent
// worker pool consuming a command queue, dispatching by command type to
// a registered Handler, and emitting a structured CommandResult for
// every accepted command — including validation failures, queue
// overflow, missing-handler cases, and handler panics.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Error type strings, per the original's taxonomy.
const (
	ErrorTypeInput   = "InputError"
	ErrorTypeQueue   = "QueueError"
	ErrorTypeHandler = "HandlerError"
	ErrorTypeWorker  = "ExecutorError"
)

// Envelope is a command as received from the push channel, before
// validation.
type Envelope struct {
	ID         string
	Type       string
	Payload    string
	ReceivedAt time.Time
}

// Result is the structured outcome emitted for every accepted command.
type Result struct {
	ID      string
	Type    string
	Success bool
	Result  map[string]any
}

// ResultSink receives completed results. agentcore.Core implements this
// by forwarding to PushClient's agent:command_result event.
type ResultSink interface {
	SendCommandResult(Result)
}

// Handler executes one command type. It must catch its own errors and
// reflect them in the returned result map as {error_type, message, ...};
// a panic escaping Execute is itself caught by the worker and reported
// as ErrorTypeHandler.
type Handler interface {
	Execute(ctx context.Context, id, payload string) (success bool, result map[string]any)
}

// Config controls pool sizing and timeouts.
type Config struct {
	MaxParallel     int
	QueueCapacity   int // 0 = MaxParallel * 10
	DefaultTimeout  time.Duration
	ConsoleEncoding string
}

// Executor is the bounded concurrent CommandExecutor.
type Executor struct {
	cfg      Config
	logger   *zap.Logger
	sink     ResultSink
	handlers map[string]Handler

	queue     chan Envelope
	stopCh    chan struct{}
	stopped   atomic.Bool
	accepting atomic.Bool
	wg        sync.WaitGroup
}

// New constructs an Executor. Call RegisterHandler for each command type
// before Start.
func New(cfg Config, logger *zap.Logger, sink ResultSink) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.MaxParallel * 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}

	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		handlers: make(map[string]Handler),
		queue:    make(chan Envelope, cfg.QueueCapacity),
		stopCh:   make(chan struct{}),
	}
	e.accepting.Store(true)
	return e
}

// RegisterHandler associates a Handler with a command type.
func (e *Executor) RegisterHandler(commandType string, h Handler) {
	e.handlers[commandType] = h
}

// Start launches MaxParallel worker goroutines.
func (e *Executor) Start() {
	for i := 0; i < e.cfg.MaxParallel; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Submit validates and enqueues env, synthesizing and emitting an error
// result immediately instead of enqueueing when validation fails or the
// queue is full.
func (e *Executor) Submit(env Envelope) {
	if env.ID == "" || env.Payload == "" {
		e.logger.Warn("rejecting invalid command envelope", zap.String("id", env.ID))
		e.sink.SendCommandResult(Result{
			ID:      env.ID,
			Type:    env.Type,
			Success: false,
			Result:  map[string]any{"error_type": ErrorTypeInput, "message": "command id and payload are required"},
		})
		return
	}

	if !e.accepting.Load() {
		e.sink.SendCommandResult(Result{
			ID:      env.ID,
			Type:    env.Type,
			Success: false,
			Result:  map[string]any{"error_type": ErrorTypeQueue, "message": "executor is shutting down"},
		})
		return
	}

	select {
	case e.queue <- env:
	default:
		e.logger.Warn("command queue full, rejecting", zap.String("id", env.ID))
		e.sink.SendCommandResult(Result{
			ID:      env.ID,
			Type:    env.Type,
			Success: false,
			Result:  map[string]any{"error_type": ErrorTypeQueue, "message": "command queue is full"},
		})
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case env, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(env)
		}
	}
}

func (e *Executor) process(env Envelope) {
	result := Result{ID: env.ID, Type: env.Type, Success: false}

	handler, ok := e.handlers[env.Type]
	if !ok {
		result.Result = map[string]any{"error_type": ErrorTypeHandler, "message": fmt.Sprintf("command type %q is not supported", env.Type)}
		e.sink.SendCommandResult(result)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DefaultTimeout)
	defer cancel()

	success, payload := e.runHandler(ctx, handler, env)
	result.Success = success
	result.Result = payload
	e.sink.SendCommandResult(result)
}

// runHandler invokes the handler, recovering from any panic and
// reporting it as ErrorTypeHandler, matching the worker's
// exception-boundary responsibility in the source executor.
func (e *Executor) runHandler(ctx context.Context, h Handler, env Envelope) (success bool, result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command handler panicked", zap.String("id", env.ID), zap.Any("panic", r))
			success = false
			result = map[string]any{"error_type": ErrorTypeHandler, "message": fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h.Execute(ctx, env.ID, env.Payload)
}

// Stop halts the executor. Graceful waits for the queue to drain before
// stopping workers (bounded by timeout * MaxParallel); non-graceful
// purges any queued-but-not-started commands immediately.
func (e *Executor) Stop(graceful bool, timeout time.Duration) {
	if e.stopped.Swap(true) {
		return
	}
	e.accepting.Store(false)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout * time.Duration(e.cfg.MaxParallel))

	if !graceful {
		e.drainQueue()
		close(e.stopCh)
	} else {
		for len(e.queue) > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		close(e.stopCh)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		e.logger.Warn("executor workers did not join before timeout")
	}

	e.drainQueue()
}

// drainQueue discards any remaining queued envelopes without emitting
// results for them — they were never dispatched to a worker.
func (e *Executor) drainQueue() {
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

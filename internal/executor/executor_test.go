package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type collectingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *collectingSink) SendCommandResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *collectingSink) snapshot() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

type fakeHandler struct {
	delay   time.Duration
	success bool
	result  map[string]any
}

func (f fakeHandler) Execute(ctx context.Context, id, payload string) (bool, map[string]any) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return false, map[string]any{"error_type": ErrorTypeHandler, "message": "ctx done"}
	}
	return f.success, f.result
}

func waitForResults(t *testing.T, sink *collectingSink, n int, timeout time.Duration) []Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= n {
			return sink.snapshot()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, len(sink.snapshot()))
	return nil
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1}, zap.NewNop(), sink)
	ex.Start()
	defer ex.Stop(false, time.Second)

	ex.Submit(Envelope{ID: "", Type: "console", Payload: "echo hi"})
	ex.Submit(Envelope{ID: "c1", Type: "console", Payload: ""})

	results := waitForResults(t, sink, 2, time.Second)
	for _, r := range results {
		if r.Success {
			t.Fatalf("expected failure, got %+v", r)
		}
		if r.Result["error_type"] != ErrorTypeInput {
			t.Fatalf("expected InputError, got %+v", r.Result)
		}
	}
}

func TestMissingHandlerReportsHandlerError(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1}, zap.NewNop(), sink)
	ex.Start()
	defer ex.Stop(false, time.Second)

	ex.Submit(Envelope{ID: "c1", Type: "nonexistent", Payload: "x"})

	results := waitForResults(t, sink, 1, time.Second)
	if results[0].Result["error_type"] != ErrorTypeHandler {
		t.Fatalf("expected HandlerError, got %+v", results[0].Result)
	}
}

func TestQueueOverflowProducesQueueError(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1, QueueCapacity: 1}, zap.NewNop(), sink)
	ex.RegisterHandler("slow", fakeHandler{delay: 300 * time.Millisecond, success: true, result: map[string]any{}})
	ex.Start()
	defer ex.Stop(false, time.Second)

	// One dispatched immediately, one queued, one rejected.
	ex.Submit(Envelope{ID: "c1", Type: "slow", Payload: "x"})
	time.Sleep(20 * time.Millisecond) // let c1 start so the queue is empty before c2
	ex.Submit(Envelope{ID: "c2", Type: "slow", Payload: "x"})
	ex.Submit(Envelope{ID: "c3", Type: "slow", Payload: "x"})

	results := waitForResults(t, sink, 1, time.Second)
	foundQueueError := false
	for _, r := range results {
		if r.Result["error_type"] == ErrorTypeQueue {
			foundQueueError = true
		}
	}
	if !foundQueueError {
		// Give the remaining commands time to finish and check again.
		results = waitForResults(t, sink, 3, time.Second)
		for _, r := range results {
			if r.Result["error_type"] == ErrorTypeQueue {
				foundQueueError = true
			}
		}
	}
	if !foundQueueError {
		t.Fatalf("expected at least one QueueError, got %+v", results)
	}
}

func TestHandlerPanicBecomesHandlerError(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1}, zap.NewNop(), sink)
	ex.RegisterHandler("panicky", panicHandler{})
	ex.Start()
	defer ex.Stop(false, time.Second)

	ex.Submit(Envelope{ID: "c1", Type: "panicky", Payload: "x"})

	results := waitForResults(t, sink, 1, time.Second)
	if results[0].Success {
		t.Fatalf("expected failure, got %+v", results[0])
	}
	if results[0].Result["error_type"] != ErrorTypeHandler {
		t.Fatalf("expected HandlerError, got %+v", results[0].Result)
	}
}

type panicHandler struct{}

func (panicHandler) Execute(ctx context.Context, id, payload string) (bool, map[string]any) {
	panic("boom")
}

func TestConsoleHandlerEchoSucceeds(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1, DefaultTimeout: 5 * time.Second}, zap.NewNop(), sink)
	ex.RegisterHandler("console", &ConsoleHandler{Encoding: "utf-8"})
	ex.Start()
	defer ex.Stop(true, time.Second)

	ex.Submit(Envelope{ID: "c1", Type: "console", Payload: "echo hello"})

	results := waitForResults(t, sink, 1, 5*time.Second)
	r := results[0]
	if !r.Success {
		t.Fatalf("expected success, got %+v", r)
	}
	if r.Result["exitCode"] != 0 {
		t.Fatalf("exitCode = %v, want 0", r.Result["exitCode"])
	}
}

func TestConsoleHandlerTimeout(t *testing.T) {
	sink := &collectingSink{}
	ex := New(Config{MaxParallel: 1, DefaultTimeout: 200 * time.Millisecond}, zap.NewNop(), sink)
	ex.RegisterHandler("console", &ConsoleHandler{Encoding: "utf-8"})
	ex.Start()
	defer ex.Stop(false, time.Second)

	payload := sleepCommand(2)
	ex.Submit(Envelope{ID: "c1", Type: "console", Payload: payload})

	results := waitForResults(t, sink, 1, 3*time.Second)
	r := results[0]
	if r.Success {
		t.Fatalf("expected failure on timeout, got %+v", r)
	}
	if r.Result["exitCode"] != 124 {
		t.Fatalf("exitCode = %v, want 124", r.Result["exitCode"])
	}
}

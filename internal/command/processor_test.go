package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/internal/observability/alerting"
)

type fakeExecutor struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failWith  error
	latency   time.Duration
	processed atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd *Command) (*ExecutionResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call <= f.failFirst {
		return nil, f.failWith
	}
	f.processed.Add(1)
	return &ExecutionResult{
		Plugin:      "shellrun",
		ExecutionID: cmd.ID,
		Output:      map[string]any{"stdout": "ok"},
	}, nil
}

type fakeAlertSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *fakeAlertSink) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAlertSink) snapshot() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

func TestProcessorHandlesConcurrentCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		req := Request{Capability: "shell.run", Args: map[string]any{"command": fmt.Sprintf("job-%d", i)}}
		if _, err := service.Submit(ctx, req); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("commands not processed in time, finished %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failFirst: 2,
		failWith:  xerrors.New(CodeCommandProcessing, "node flapped"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	cmd, err := service.Submit(ctx, Request{Capability: "shell.run"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// The command passes through transient failed states between retries,
	// so poll for the terminal success instead of WaitUntilCompleted.
	var final *Command
	deadline := time.After(5 * time.Second)
	for {
		final, err = service.Get(ctx, cmd.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if final.Status == StatusSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("command never succeeded: %+v", final)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempts)
	}
	if final.Result == nil || final.Result.Plugin != "shellrun" {
		t.Fatalf("missing execution result: %+v", final.Result)
	}
}

func TestProcessorRecoveryProducesDegradedResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failFirst: 100,
		failWith:  xerrors.New(CodeCommandValidation, "unsupported argument shape"),
	}
	alerts := &fakeAlertSink{}

	recovery := RecoveryFunc(func(_ context.Context, cmd *Command, cause error) (*ExecutionResult, error) {
		return &ExecutionResult{
			Plugin: "fallback",
			Output: map[string]any{"degraded": cause.Error(), "command_id": cmd.ID},
		}, nil
	})

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(recovery),
		WithAlertDispatcher(alerts),
	)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	cmd, err := service.Submit(ctx, Request{Capability: "shell.run"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, cmd.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	cancel()
	if final.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %+v", final)
	}
	if final.Result == nil || final.Result.Plugin != "fallback" {
		t.Fatalf("expected fallback result: %+v", final.Result)
	}

	events := alerts.snapshot()
	if len(events) == 0 {
		t.Fatalf("expected degraded alert to fire")
	}
	if events[0].Metadata["stage"] != "degraded" {
		t.Fatalf("unexpected alert stage: %+v", events[0].Metadata)
	}
	if events[0].Capability != "shell.run" || events[0].ExecutionID != cmd.ID {
		t.Fatalf("alert not correlated with command: %+v", events[0])
	}
}

func TestProcessorTerminalFailureAlerts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failFirst: 100,
		failWith:  xerrors.New(CodeCommandValidation, "unsupported argument shape"),
	}
	alerts := &fakeAlertSink{}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(1),
		WithAlertDispatcher(alerts),
	)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	cmd, err := service.Submit(ctx, Request{Capability: "shell.run"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final, err := service.WaitUntilCompleted(ctx, cmd.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	cancel()
	if final.Status != StatusFailed {
		t.Fatalf("expected terminal failure, got %+v", final)
	}
	if final.Attempts != 1 {
		t.Fatalf("non-retryable failure must not retry, got %d attempts", final.Attempts)
	}
	if final.ErrorCode != string(CodeCommandValidation) {
		t.Fatalf("unexpected error code: %q", final.ErrorCode)
	}

	events := alerts.snapshot()
	if len(events) == 0 {
		t.Fatalf("expected terminal alert to fire")
	}
	if events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alert stage: %+v", events[0].Metadata)
	}
}

package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/plugin"
)

type fakeProducer struct {
	mu        sync.Mutex
	published []string
	err       error
	closed    bool
}

func (p *fakeProducer) Publish(_ context.Context, commandID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, commandID)
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestServiceSubmitValidation(t *testing.T) {
	t.Parallel()

	service := NewService(NewMemoryStore(), &fakeProducer{}, 3)
	_, err := service.Submit(context.Background(), Request{Capability: "   "})
	if xerrors.CodeOf(err) != CodeCommandValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServiceSubmitPublishesPendingCommand(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	producer := &fakeProducer{}
	service := NewService(store, producer, 5)

	cmd, err := service.Submit(context.Background(), Request{
		Capability: "  Shell.RUN ",
		Target:     " web ",
		Args:       map[string]any{"command": "uptime"},
		Caller:     plugin.Caller{ID: "op-1"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if cmd.ID == "" {
		t.Fatalf("expected generated command id")
	}
	if cmd.Capability != "shell.run" || cmd.Target != "web" {
		t.Fatalf("expected normalized fields: %+v", cmd)
	}
	if cmd.Status != StatusPending || cmd.MaxRetries != 5 {
		t.Fatalf("unexpected command state: %+v", cmd)
	}
	if producer.count() != 1 || producer.published[0] != cmd.ID {
		t.Fatalf("expected one publish of %s, got %+v", cmd.ID, producer.published)
	}

	stored, err := store.Get(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("stored command missing: %v", err)
	}
	if stored.Caller.ID != "op-1" {
		t.Fatalf("caller not persisted: %+v", stored.Caller)
	}
}

func TestServiceSubmitIdempotentByID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	producer := &fakeProducer{}
	service := NewService(store, producer, 3)

	first, err := service.Submit(context.Background(), Request{ID: "cmd-fixed", Capability: "shell.run"})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if producer.count() != 1 {
		t.Fatalf("expected one publish, got %d", producer.count())
	}

	second, err := service.Submit(context.Background(), Request{ID: "cmd-fixed", Capability: "shell.run"})
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing command back, got %+v", second)
	}
	if producer.count() != 1 {
		t.Fatalf("redundant submit must not republish, got %d publishes", producer.count())
	}
}

func TestServiceSubmitPublishFailureMarksCommandFailed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	producer := &fakeProducer{err: errors.New("broker unavailable")}
	service := NewService(store, producer, 3)

	_, err := service.Submit(context.Background(), Request{ID: "cmd-1", Capability: "shell.run"})
	if xerrors.CodeOf(err) != CodeCommandPublish {
		t.Fatalf("expected publish error, got %v", err)
	}

	stored, getErr := store.Get(context.Background(), "cmd-1")
	if getErr != nil {
		t.Fatalf("expected command to stay journaled: %v", getErr)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeCommandPublish) {
		t.Fatalf("expected failed command with publish code: %+v", stored)
	}
}

func TestServiceListPassesOptions(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	service := NewService(store, &fakeProducer{}, 3)
	ctx := context.Background()

	for _, id := range []string{"cmd-1", "cmd-2", "cmd-3"} {
		if _, err := service.Submit(ctx, Request{ID: id, Capability: "shell.run"}); err != nil {
			t.Fatalf("submit %s failed: %v", id, err)
		}
	}

	limited, err := service.List(ctx, WithLimit(2))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(limited))
	}

	stats, err := service.Stats(ctx, WithStatuses(StatusPending))
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	service := NewService(store, &fakeProducer{}, 3)
	ctx := context.Background()

	if _, err := service.Submit(ctx, Request{ID: "cmd-1", Capability: "shell.run"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.MarkSucceeded(ctx, "cmd-1", ExecutionResult{Plugin: "shellrun"})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd, err := service.WaitUntilCompleted(waitCtx, "cmd-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if cmd.Status != StatusSucceeded {
		t.Fatalf("expected succeeded command, got %+v", cmd)
	}

	if _, err := service.Submit(ctx, Request{ID: "cmd-2", Capability: "shell.run"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	cancelCtx, cancelNow := context.WithCancel(ctx)
	cancelNow()
	if _, err := service.WaitUntilCompleted(cancelCtx, "cmd-2", 10*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

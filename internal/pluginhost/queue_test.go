package pluginhost

import (
	"context"
	"errors"
	"testing"
	"time"
)

func execRef(id string) ExecutionRef {
	return ExecutionRef{ID: id, Type: "command", Action: "shell.run"}
}

func waitForQueued(t *testing.T, q *ExecutionQueue, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if q.Status().QueuedCount == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("queue never reached %d waiters, status %+v", want, q.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func recvGrant(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a promotion")
		return ""
	}
}

func TestQueueImmediateAdmission(t *testing.T) {
	q := NewExecutionQueue(2, 10)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := q.Acquire(ctx, execRef("b")); err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	st := q.Status()
	if st.RunningCount != 2 || st.QueuedCount != 0 {
		t.Fatalf("expected 2 running 0 queued, got %+v", st)
	}
}

func TestQueueFIFOPromotion(t *testing.T) {
	q := NewExecutionQueue(1, 10)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	grants := make(chan string, 2)
	for _, id := range []string{"b", "c"} {
		id := id
		before := q.Status().QueuedCount
		go func() {
			if err := q.Acquire(ctx, execRef(id)); err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			grants <- id
		}()
		waitForQueued(t, q, before+1)
	}

	q.Release("a")
	if got := recvGrant(t, grants); got != "b" {
		t.Fatalf("expected b promoted first, got %s", got)
	}
	q.Release("b")
	if got := recvGrant(t, grants); got != "c" {
		t.Fatalf("expected c promoted second, got %s", got)
	}
	q.Release("c")

	st := q.Status()
	if st.RunningCount != 0 || st.QueuedCount != 0 {
		t.Fatalf("queue should drain, got %+v", st)
	}
}

func TestQueueLimitTwoFiveExecutions(t *testing.T) {
	q := NewExecutionQueue(2, 50)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("e1")); err != nil {
		t.Fatalf("acquire e1: %v", err)
	}
	if err := q.Acquire(ctx, execRef("e2")); err != nil {
		t.Fatalf("acquire e2: %v", err)
	}

	grants := make(chan string, 3)
	for _, id := range []string{"e3", "e4", "e5"} {
		id := id
		before := q.Status().QueuedCount
		go func() {
			if err := q.Acquire(ctx, execRef(id)); err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			grants <- id
		}()
		waitForQueued(t, q, before+1)
	}

	st := q.Status()
	if st.RunningCount != 2 || st.QueuedCount != 3 {
		t.Fatalf("expected 2 running 3 queued, got %+v", st)
	}
	if st.Queued[0].ID != "e3" || st.Queued[2].ID != "e5" {
		t.Fatalf("queued entries not oldest-first: %+v", st.Queued)
	}

	q.Release("e1")
	if got := recvGrant(t, grants); got != "e3" {
		t.Fatalf("expected oldest waiter e3 promoted, got %s", got)
	}

	st = q.Status()
	if st.RunningCount != 2 || st.QueuedCount != 2 {
		t.Fatalf("expected 2 running 2 queued after promotion, got %+v", st)
	}
}

func TestQueueFullBoundary(t *testing.T) {
	q := NewExecutionQueue(1, 1)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	go func() {
		if err := q.Acquire(ctx, execRef("b")); err != nil && !errors.Is(err, ErrExecutionCancelled) {
			t.Errorf("acquire b: %v", err)
		}
	}()
	waitForQueued(t, q, 1)

	err := q.Acquire(ctx, execRef("c"))
	var full *QueueFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}
	if full.QueueSize != 1 || full.MaxQueueSize != 1 || full.Limit != 1 {
		t.Fatalf("unexpected QueueFullError fields: %+v", full)
	}

	if !q.Cancel("b") {
		t.Fatal("cancel queued b should succeed")
	}
}

func TestQueueCancelQueuedOnly(t *testing.T) {
	q := NewExecutionQueue(1, 5)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- q.Acquire(ctx, execRef("b"))
	}()
	waitForQueued(t, q, 1)

	if !q.Cancel("b") {
		t.Fatal("expected cancel of queued execution to succeed")
	}
	select {
	case err := <-result:
		if !errors.Is(err, ErrExecutionCancelled) {
			t.Fatalf("expected ErrExecutionCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never resolved")
	}

	if q.Cancel("a") {
		t.Fatal("running executions must not be cancellable through the queue")
	}
	if q.Cancel("missing") {
		t.Fatal("unknown id must not cancel")
	}

	st := q.Status()
	if st.RunningCount != 1 || st.QueuedCount != 0 {
		t.Fatalf("unexpected status after cancel: %+v", st)
	}
}

func TestQueueContextCancelledWhileQueued(t *testing.T) {
	q := NewExecutionQueue(1, 5)

	if err := q.Acquire(context.Background(), execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- q.Acquire(ctx, execRef("b"))
	}()
	waitForQueued(t, q, 1)

	cancel()
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("context-cancelled waiter never resolved")
	}

	st := q.Status()
	if st.QueuedCount != 0 {
		t.Fatalf("cancelled waiter must leave the queue, got %+v", st)
	}

	q.Release("a")
	if st := q.Status(); st.RunningCount != 0 {
		t.Fatalf("expected empty running set, got %+v", st)
	}
}

func TestQueueStatusDoesNotMutate(t *testing.T) {
	q := NewExecutionQueue(1, 5)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	go func() {
		if err := q.Acquire(ctx, execRef("b")); err != nil && !errors.Is(err, ErrExecutionCancelled) {
			t.Errorf("acquire b: %v", err)
		}
	}()
	waitForQueued(t, q, 1)

	st := q.Status()
	st.Queued[0].ID = "tampered"
	again := q.Status()
	if again.Queued[0].ID != "b" {
		t.Fatalf("status must be a snapshot, got %+v", again.Queued)
	}
	if again.RunningCount != 1 || again.QueuedCount != 1 {
		t.Fatalf("status calls must not change state: %+v", again)
	}

	q.Cancel("b")
}

func TestQueueDuplicateID(t *testing.T) {
	q := NewExecutionQueue(2, 5)
	ctx := context.Background()

	if err := q.Acquire(ctx, execRef("a")); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := q.Acquire(ctx, execRef("a")); err == nil {
		t.Fatal("duplicate execution id must be rejected")
	}
	if err := q.Acquire(ctx, ExecutionRef{}); err == nil {
		t.Fatal("empty execution id must be rejected")
	}
}

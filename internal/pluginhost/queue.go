package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultQueueLimit is the running-slot budget when config gives none.
	DefaultQueueLimit = 5
	// DefaultMaxQueueSize is the wait-list bound when config gives none.
	DefaultMaxQueueSize = 50
)

// ErrExecutionCancelled resolves an Acquire whose queued execution was
// removed by Cancel.
var ErrExecutionCancelled = errors.New("execution cancelled while queued")

// QueueFullError reports that both the running set and the wait list are at
// capacity. It is returned immediately; the queue never blocks a caller
// against an unbounded backlog.
type QueueFullError struct {
	QueueSize    int
	MaxQueueSize int
	Limit        int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("execution queue full: %d queued of %d allowed, running limit %d", e.QueueSize, e.MaxQueueSize, e.Limit)
}

// ExecutionRef identifies one outbound operation passing through the queue.
type ExecutionRef struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
	Action string `json:"action,omitempty"`
}

// QueuedExecution is a waiting execution with its enqueue timestamp.
type QueuedExecution struct {
	ExecutionRef
	EnqueuedAt time.Time `json:"enqueuedAt"`
	seq        uint64
}

// RunningExecution is an admitted execution holding a slot.
type RunningExecution struct {
	ExecutionRef
	StartedAt time.Time `json:"startedAt"`
}

// QueueStatus is an operational snapshot. Queued is ordered oldest first.
type QueueStatus struct {
	RunningCount int                `json:"runningCount"`
	QueuedCount  int                `json:"queuedCount"`
	Limit        int                `json:"limit"`
	MaxQueueSize int                `json:"maxQueueSize"`
	Running      []RunningExecution `json:"running,omitempty"`
	Queued       []QueuedExecution  `json:"queued,omitempty"`
}

type waiter struct {
	exec  QueuedExecution
	ready chan error
}

// ExecutionQueue bounds concurrent outbound load against remote
// infrastructure: at most limit executions run at once, at most
// maxQueueSize wait. Promotion picks the oldest waiter by enqueue
// timestamp, with a monotonic sequence breaking ties.
type ExecutionQueue struct {
	mu       sync.Mutex
	limit    int
	maxQueue int
	running  map[string]RunningExecution
	waiters  []*waiter
	seq      uint64
}

// NewExecutionQueue builds a queue, substituting defaults for
// non-positive limits.
func NewExecutionQueue(limit, maxQueueSize int) *ExecutionQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	return &ExecutionQueue{
		limit:    limit,
		maxQueue: maxQueueSize,
		running:  make(map[string]RunningExecution),
	}
}

// Acquire admits the execution immediately while a running slot is free,
// otherwise parks the caller in the wait list until Release promotes it.
// When the wait list is full it fails immediately with *QueueFullError.
// Cancelling ctx while queued removes the waiter and returns ctx.Err().
func (q *ExecutionQueue) Acquire(ctx context.Context, ref ExecutionRef) error {
	if ref.ID == "" {
		return errors.New("execution id is required")
	}

	q.mu.Lock()
	if _, dup := q.running[ref.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("execution %q already holds a slot", ref.ID)
	}
	for _, w := range q.waiters {
		if w.exec.ID == ref.ID {
			q.mu.Unlock()
			return fmt.Errorf("execution %q is already queued", ref.ID)
		}
	}
	if len(q.running) < q.limit {
		q.running[ref.ID] = RunningExecution{ExecutionRef: ref, StartedAt: time.Now()}
		q.mu.Unlock()
		return nil
	}
	if len(q.waiters) >= q.maxQueue {
		full := &QueueFullError{QueueSize: len(q.waiters), MaxQueueSize: q.maxQueue, Limit: q.limit}
		q.mu.Unlock()
		return full
	}
	q.seq++
	w := &waiter{
		exec:  QueuedExecution{ExecutionRef: ref, EnqueuedAt: time.Now(), seq: q.seq},
		ready: make(chan error, 1),
	}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiterLocked(w)
		q.mu.Unlock()
		if removed {
			return ctx.Err()
		}
		// Promotion or cancellation resolved the waiter before we could
		// withdraw it; honor whichever won.
		if err := <-w.ready; err != nil {
			return err
		}
		q.Release(ref.ID)
		return ctx.Err()
	}
}

// Release frees the slot held by id and promotes the oldest waiter if the
// wait list is non-empty.
func (q *ExecutionQueue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
	q.promoteLocked()
}

// Cancel withdraws a queued execution and fails its waiting Acquire with
// ErrExecutionCancelled. Running executions cannot be cancelled through the
// queue; Cancel returns false for them and for unknown ids.
func (q *ExecutionQueue) Cancel(id string) bool {
	q.mu.Lock()
	var target *waiter
	for _, w := range q.waiters {
		if w.exec.ID == id {
			target = w
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return false
	}
	q.removeWaiterLocked(target)
	q.mu.Unlock()
	target.ready <- ErrExecutionCancelled
	return true
}

// Status returns a snapshot for operational visibility. It never mutates
// queue state.
func (q *ExecutionQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		RunningCount: len(q.running),
		QueuedCount:  len(q.waiters),
		Limit:        q.limit,
		MaxQueueSize: q.maxQueue,
	}
	st.Running = make([]RunningExecution, 0, len(q.running))
	for _, r := range q.running {
		st.Running = append(st.Running, r)
	}
	sort.Slice(st.Running, func(i, j int) bool {
		return st.Running[i].StartedAt.Before(st.Running[j].StartedAt)
	})
	st.Queued = make([]QueuedExecution, 0, len(q.waiters))
	for _, w := range q.waiters {
		st.Queued = append(st.Queued, w.exec)
	}
	sort.Slice(st.Queued, func(i, j int) bool {
		return older(st.Queued[i], st.Queued[j])
	})
	return st
}

func older(a, b QueuedExecution) bool {
	if a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.seq < b.seq
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (q *ExecutionQueue) promoteLocked() {
	for len(q.running) < q.limit && len(q.waiters) > 0 {
		oldest := 0
		for i := 1; i < len(q.waiters); i++ {
			if older(q.waiters[i].exec, q.waiters[oldest].exec) {
				oldest = i
			}
		}
		w := q.waiters[oldest]
		q.waiters = append(q.waiters[:oldest], q.waiters[oldest+1:]...)
		q.running[w.exec.ID] = RunningExecution{ExecutionRef: w.exec.ExecutionRef, StartedAt: time.Now()}
		w.ready <- nil
	}
}

func (q *ExecutionQueue) removeWaiterLocked(target *waiter) bool {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

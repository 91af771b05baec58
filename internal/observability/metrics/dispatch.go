package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type dispatchKey struct {
	capability string
	outcome    string
}

type dispatchState struct {
	mu           sync.Mutex
	counts       map[dispatchKey]uint64
	latency      map[string]*histogram
	queueRunning int
	queueWaiting int
}

var dispatchMetrics = &dispatchState{
	counts:  make(map[dispatchKey]uint64),
	latency: make(map[string]*histogram),
}

// ObserveDispatch records one capability invocation and its outcome. The
// signature matches the plugin dispatcher's observer hook.
func ObserveDispatch(capability, outcome string, elapsed time.Duration) {
	dispatchMetrics.mu.Lock()
	defer dispatchMetrics.mu.Unlock()

	dispatchMetrics.counts[dispatchKey{capability: capability, outcome: outcome}]++
	hist := dispatchMetrics.latency[capability]
	if hist == nil {
		hist = newHistogram()
		dispatchMetrics.latency[capability] = hist
	}
	hist.observe(elapsed.Seconds())
}

// SetExecutionQueueDepth publishes the execution queue gauges.
func SetExecutionQueueDepth(running, waiting int) {
	dispatchMetrics.mu.Lock()
	defer dispatchMetrics.mu.Unlock()
	dispatchMetrics.queueRunning = running
	dispatchMetrics.queueWaiting = waiting
}

func (s *dispatchState) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	counted := make([]dispatchKey, 0, len(s.counts))
	for key := range s.counts {
		counted = append(counted, key)
	}
	sort.Slice(counted, func(i, j int) bool {
		if counted[i].capability != counted[j].capability {
			return counted[i].capability < counted[j].capability
		}
		return counted[i].outcome < counted[j].outcome
	})

	measured := make([]string, 0, len(s.latency))
	for capability := range s.latency {
		measured = append(measured, capability)
	}
	sort.Strings(measured)

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP openorch_dispatch_total Total number of capability dispatches by outcome.\n")
	b.WriteString("# TYPE openorch_dispatch_total counter\n")
	for _, key := range counted {
		fmt.Fprintf(&b, "openorch_dispatch_total{capability=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.capability), escape(key.outcome), s.counts[key])
	}

	b.WriteString("# HELP openorch_dispatch_duration_seconds Capability dispatch duration in seconds.\n")
	b.WriteString("# TYPE openorch_dispatch_duration_seconds histogram\n")
	for _, capability := range measured {
		labels := fmt.Sprintf("capability=\"%s\"", escape(capability))
		s.latency[capability].emit(&b, "openorch_dispatch_duration_seconds", labels)
	}

	b.WriteString("# HELP openorch_execution_queue_running Executions currently holding a slot.\n")
	b.WriteString("# TYPE openorch_execution_queue_running gauge\n")
	fmt.Fprintf(&b, "openorch_execution_queue_running %d\n", s.queueRunning)

	b.WriteString("# HELP openorch_execution_queue_waiting Executions waiting for a free slot.\n")
	b.WriteString("# TYPE openorch_execution_queue_waiting gauge\n")
	fmt.Fprintf(&b, "openorch_execution_queue_waiting %d\n", s.queueWaiting)

	return b.String()
}

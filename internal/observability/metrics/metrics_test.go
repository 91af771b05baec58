package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersHTTPAndDispatchMetrics(t *testing.T) {
	ObserveHTTPRequest("commands", "POST", 201, 40*time.Millisecond)
	ObserveHTTPRequest("commands", "POST", 500, 2*time.Second)
	ObserveDispatch("shell.run", "ok", 120*time.Millisecond)
	ObserveDispatch("shell.run", "queue_full", time.Millisecond)
	SetExecutionQueueDepth(3, 7)

	recorder := httptest.NewRecorder()
	Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type: %s", got)
	}

	body := recorder.Body.String()
	expectations := []string{
		`openorch_http_requests_total{handler="commands",method="POST",code="201"} 1`,
		`openorch_http_requests_total{handler="commands",method="POST",code="500"} 1`,
		`openorch_http_request_errors_total{handler="commands",method="POST"} 1`,
		`openorch_http_request_duration_seconds_count{handler="commands",method="POST"} 2`,
		`openorch_dispatch_total{capability="shell.run",outcome="ok"} 1`,
		`openorch_dispatch_total{capability="shell.run",outcome="queue_full"} 1`,
		`openorch_dispatch_duration_seconds_count{capability="shell.run"} 2`,
		`openorch_execution_queue_running 3`,
		`openorch_execution_queue_waiting 7`,
	}
	for _, line := range expectations {
		if !strings.Contains(body, line) {
			t.Fatalf("missing metric line %q in output:\n%s", line, body)
		}
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	hist := newHistogram()
	hist.observe(0.01)
	hist.observe(0.2)
	hist.observe(42)

	if hist.count != 3 {
		t.Fatalf("unexpected count: %d", hist.count)
	}
	// 0.01 lands in every bucket, 0.2 from the 0.25 bucket onwards, 42 only in +Inf.
	if hist.counts[0] != 1 {
		t.Fatalf("0.05 bucket should hold 1, got %d", hist.counts[0])
	}
	if hist.counts[2] != 2 {
		t.Fatalf("0.25 bucket should hold 2, got %d", hist.counts[2])
	}
	if hist.counts[len(hist.counts)-1] != 2 {
		t.Fatalf("10 bucket should hold 2, got %d", hist.counts[len(hist.counts)-1])
	}
}

func TestEscapeSanitisesLabelValues(t *testing.T) {
	if got := escape(`path"with\quotes` + "\n"); got != `path\"with\\quotes` {
		t.Fatalf("unexpected escape result: %s", got)
	}
}

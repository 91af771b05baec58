package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// routeKey identifies one handler/method pair. The status code hangs off it
// as an extra label so the error and latency series stay low-cardinality.
type routeKey struct {
	handler string
	method  string
}

type statusKey struct {
	routeKey
	code string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// defaultBuckets is the usual latency ladder from 50ms to 10s.
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func newHistogram() *histogram {
	return &histogram{
		buckets: defaultBuckets,
		counts:  make([]uint64, len(defaultBuckets)),
	}
}

// observe keeps the bucket counters cumulative: a value under a bound
// increments that bucket and every wider one. Values beyond the last bound
// appear only in count, which doubles as the +Inf bucket.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for ; idx < len(h.counts); idx++ {
				h.counts[idx]++
			}
			return
		}
	}
}

// emit writes the histogram series in exposition order: buckets, +Inf, sum,
// count. labels must already be escaped.
func (h *histogram) emit(b *strings.Builder, name, labels string) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

type httpState struct {
	mu       sync.Mutex
	requests map[statusKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
}

var httpMetrics = &httpState{
	requests: make(map[statusKey]uint64),
	errors:   make(map[routeKey]uint64),
	latency:  make(map[routeKey]*histogram),
}

// ObserveHTTPRequest records one finished HTTP request. Handlers are labelled
// with their logical route name, never the raw URL path.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpMetrics.mu.Lock()
	defer httpMetrics.mu.Unlock()

	route := routeKey{handler: handler, method: method}
	httpMetrics.requests[statusKey{routeKey: route, code: strconv.Itoa(status)}]++
	if status >= 500 {
		httpMetrics.errors[route]++
	}
	hist := httpMetrics.latency[route]
	if hist == nil {
		hist = newHistogram()
		httpMetrics.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes every collector in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpMetrics.render())
		_, _ = fmt.Fprint(w, dispatchMetrics.render())
	})
}

func (s *httpState) render() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]statusKey, 0, len(s.requests))
	for key := range s.requests {
		statuses = append(statuses, key)
	}
	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})

	erroring := sortedRoutes(s.errors)
	measured := make([]routeKey, 0, len(s.latency))
	for key := range s.latency {
		measured = append(measured, key)
	}
	orderRoutes(measured)

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP openorch_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE openorch_http_requests_total counter\n")
	for _, key := range statuses {
		fmt.Fprintf(&b, "openorch_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), s.requests[key])
	}

	b.WriteString("# HELP openorch_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE openorch_http_request_errors_total counter\n")
	for _, key := range erroring {
		fmt.Fprintf(&b, "openorch_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), s.errors[key])
	}

	b.WriteString("# HELP openorch_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE openorch_http_request_duration_seconds histogram\n")
	for _, key := range measured {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		s.latency[key].emit(&b, "openorch_http_request_duration_seconds", labels)
	}

	return b.String()
}

func sortedRoutes(m map[routeKey]uint64) []routeKey {
	routes := make([]routeKey, 0, len(m))
	for key := range m {
		routes = append(routes, key)
	}
	orderRoutes(routes)
	return routes
}

func orderRoutes(routes []routeKey) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].handler != routes[j].handler {
			return routes[i].handler < routes[j].handler
		}
		return routes[i].method < routes[j].method
	})
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics on a dedicated listener until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics listen address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		return err
	}
}

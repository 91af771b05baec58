package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "OpenOrch/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	t.Parallel()

	logCh := &recordingNotifier{channel: ChannelLog}
	hookCh := &recordingNotifier{channel: ChannelWebhook}
	dispatcher := NewFanout(logCh, hookCh)

	event := Event{Code: xerrors.CodePluginFailure, Severity: xerrors.SeverityCritical, Plugin: "shellrun"}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(logCh.events) != 1 || len(hookCh.events) != 1 {
		t.Fatalf("expected both channels to receive the event")
	}
}

func TestFanoutFiltersBelowMinSeverity(t *testing.T) {
	t.Parallel()

	ch := &recordingNotifier{channel: ChannelLog}
	dispatcher := NewFanoutWithMinSeverity(xerrors.SeverityCritical, ch)

	if err := dispatcher.Notify(context.Background(), Event{Severity: xerrors.SeverityWarning}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(ch.events) != 0 {
		t.Fatalf("warning event should have been filtered")
	}

	if err := dispatcher.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(ch.events) != 1 {
		t.Fatalf("critical event should pass the filter")
	}
}

func TestFanoutCollectsNotifierErrors(t *testing.T) {
	t.Parallel()

	ok := &recordingNotifier{channel: ChannelLog}
	failing := &recordingNotifier{channel: ChannelWebhook, err: io.ErrUnexpectedEOF}
	dispatcher := NewFanout(ok, failing)

	err := dispatcher.Notify(context.Background(), Event{Severity: xerrors.SeverityWarning})
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if len(ok.events) != 1 {
		t.Fatalf("healthy channel should still receive the event")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %s", got)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{Endpoint: server.URL}
	event := Event{
		Code:        xerrors.CodePluginFailure,
		Message:     "init exploded",
		Severity:    xerrors.SeverityCritical,
		Plugin:      "ethnode",
		Capability:  "ethnode.snapshot",
		ExecutionID: "exec-1",
		OccurredAt:  time.Now(),
	}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	payload := <-received
	if payload["code"] != string(xerrors.CodePluginFailure) {
		t.Fatalf("unexpected code in payload: %v", payload["code"])
	}
	if payload["plugin"] != "ethnode" || payload["capability"] != "ethnode.snapshot" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{Endpoint: server.URL}
	if err := notifier.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestWebhookNotifierSkipsWhenUnconfigured(t *testing.T) {
	t.Parallel()

	notifier := &WebhookNotifier{}
	if err := notifier.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should be a no-op, got %v", err)
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	t.Parallel()

	notifier := &LogNotifier{}
	if err := notifier.Notify(context.Background(), Event{Code: xerrors.CodeQueueFull, Severity: xerrors.SeverityWarning}); err != nil {
		t.Fatalf("log notifier failed: %v", err)
	}
}

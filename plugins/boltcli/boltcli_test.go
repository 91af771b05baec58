package boltcli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeBackend struct {
	action  string
	target  string
	params  map[string]any
	healthy bool
}

func (f *fakeBackend) run(ctx context.Context, action, target string, params map[string]any) (map[string]any, error) {
	f.action = action
	f.target = target
	f.params = params
	return map[string]any{"status": "success"}, nil
}

func (f *fakeBackend) health(ctx context.Context) error {
	if !f.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func TestTaskRoutesToBackend(t *testing.T) {
	backend := &fakeBackend{healthy: true}
	o := New()
	o.backend = backend

	_, err := o.runTask(context.Background(), map[string]any{
		"task":   "package::install",
		"target": "web",
		"params": map[string]any{"name": "nginx"},
	}, nil)
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if backend.action != "task.run" || backend.target != "web" {
		t.Fatalf("unexpected routing: action=%s target=%s", backend.action, backend.target)
	}
	if backend.params["task"] != "package::install" || backend.params["name"] != "nginx" {
		t.Fatalf("unexpected params: %v", backend.params)
	}
}

func TestCommandRoutesToBackend(t *testing.T) {
	backend := &fakeBackend{healthy: true}
	o := New()
	o.backend = backend

	_, err := o.runCommand(context.Background(), map[string]any{
		"command": "systemctl restart nginx",
		"target":  "web-01",
	}, nil)
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if backend.action != "command.run" {
		t.Fatalf("unexpected action: %s", backend.action)
	}
	if backend.params["command"] != "systemctl restart nginx" {
		t.Fatalf("unexpected params: %v", backend.params)
	}
}

func TestRemoteModeForwardsToRunner(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "run-42",
			"status": "success",
			"output": map[string]any{"nodes_ok": 3},
		})
	}))
	defer srv.Close()

	o := New()
	err := o.Init(context.Background(), map[string]any{
		"mode":     "remote",
		"base_url": srv.URL,
		"token":    "secret",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	result, err := o.runPlan(context.Background(), map[string]any{
		"plan":   "rollout::canary",
		"target": "web",
	}, nil)
	if err != nil {
		t.Fatalf("run plan: %v", err)
	}
	if received["action"] != "plan.run" {
		t.Fatalf("unexpected forwarded action: %v", received["action"])
	}
	if result["run_id"] != "run-42" {
		t.Fatalf("expected run id in result, got %v", result)
	}
	if err := o.backend.health(context.Background()); err == nil {
		t.Fatal("health should fail: runner has no /healthz route")
	}
}

func TestRemoteFailureBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failure", "error": "target unreachable"})
	}))
	defer srv.Close()

	o := New()
	if err := o.Init(context.Background(), map[string]any{
		"mode": "remote", "base_url": srv.URL, "token": "secret",
	}); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, err := o.runCommand(context.Background(), map[string]any{"command": "uptime", "target": "web"}, nil)
	if err == nil || !strings.Contains(err.Error(), "target unreachable") {
		t.Fatalf("expected backend failure, got %v", err)
	}
}

func TestInitRejectsUnknownMode(t *testing.T) {
	o := New()
	if err := o.Init(context.Background(), map[string]any{"mode": "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestInitRemoteRequiresToken(t *testing.T) {
	o := New()
	err := o.Init(context.Background(), map[string]any{"mode": "remote", "base_url": "http://runner.local"})
	if err == nil {
		t.Fatal("expected error when token is missing")
	}
}

func TestHealthBeforeInit(t *testing.T) {
	o := New()
	if status := o.HealthCheck(context.Background()); status.Healthy {
		t.Fatal("expected unhealthy before init")
	}
}

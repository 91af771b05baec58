package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"OpenOrch/internal/auth"
	"OpenOrch/internal/command"
	"OpenOrch/internal/pluginhost"
	"OpenOrch/pkg/plugin"
)

// probeHealthy steers the health verdict of the fixture plugin so tests can
// force a degraded report without rebuilding the host.
var probeHealthy atomic.Bool

func init() {
	probeHealthy.Store(true)
	plugin.Register("apiprobe", func() plugin.Plugin { return &probePlugin{} })
}

// probePlugin is the only builtin registered in this test binary, so a host
// built without roots discovers exactly this plugin.
type probePlugin struct{}

var _ plugin.Plugin = (*probePlugin)(nil)

func probeSpec() plugin.CapabilitySpec {
	return plugin.CapabilitySpec{
		Name:                "probe.echo",
		Category:            plugin.CategoryInformation,
		Description:         "Echo the received arguments back to the caller.",
		RequiredPermissions: []string{"probe.read"},
	}
}

func (p *probePlugin) Describe() plugin.Manifest {
	return plugin.Manifest{
		Name:         "apiprobe",
		Version:      "1.0.0",
		Description:  "Fixture plugin backing the REST handler tests.",
		Capabilities: []plugin.CapabilitySpec{probeSpec()},
	}
}

func (p *probePlugin) Capabilities() []plugin.Capability {
	return []plugin.Capability{
		{
			Spec: probeSpec(),
			Handler: func(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
				return map[string]any{"echo": args, "caller": ec.Caller.ID}, nil
			},
		},
	}
}

func (p *probePlugin) Init(ctx context.Context, settings map[string]any) error { return nil }

func (p *probePlugin) HealthCheck(ctx context.Context) plugin.HealthStatus {
	if !probeHealthy.Load() {
		return plugin.Unhealthy("probe forced unhealthy")
	}
	return plugin.Healthy()
}

func (p *probePlugin) Shutdown(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	commands := command.NewService(command.NewMemoryStore(), command.NewMemoryQueue(8), 3)
	host := pluginhost.NewHost(pluginhost.HostConfig{})
	summary := host.LoadAll(context.Background())
	if len(summary.Failed) > 0 {
		t.Fatalf("fixture plugin failed to load: %+v", summary.Failed)
	}
	t.Cleanup(func() {
		host.Shutdown(context.Background())
		_ = commands.Close()
	})

	return NewServer(":0", nil, commands, host)
}

// doJSON drives one request through the full route table. A non-nil subject
// is attached the way the auth middleware would after a successful token
// check.
func doJSON(t *testing.T, handler http.Handler, method, target string, payload any, subject *auth.Subject) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if subject != nil {
		req = req.WithContext(auth.WithSubject(req.Context(), subject))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func operatorSubject(perms ...string) *auth.Subject {
	return &auth.Subject{ID: 7, Username: "op", Roles: []string{"operator"}, Permissions: perms}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t).Handler()

	t.Run("all plugins healthy", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/health", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
		}
		var resp healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if resp.Status != "ok" {
			t.Fatalf("expected status ok, got %q", resp.Status)
		}
		if st, ok := resp.Plugins["apiprobe"]; !ok || !st.Healthy {
			t.Fatalf("expected a healthy apiprobe entry, got %+v", resp.Plugins)
		}
	})

	t.Run("unhealthy plugin degrades the verdict", func(t *testing.T) {
		probeHealthy.Store(false)
		defer probeHealthy.Store(true)

		rec := doJSON(t, handler, http.MethodGet, "/api/v1/health", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
		}
		var resp healthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if resp.Status != "degraded" {
			t.Fatalf("expected status degraded, got %q", resp.Status)
		}
		if st := resp.Plugins["apiprobe"]; st.Healthy || st.Message != "probe forced unhealthy" {
			t.Fatalf("expected the forced probe failure to surface, got %+v", st)
		}
	})
}

func TestListPlugins(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/plugins", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var views []pluginhost.RecordView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected exactly the fixture plugin, got %+v", views)
	}
	view := views[0]
	if view.Name != "apiprobe" || !view.Builtin {
		t.Fatalf("unexpected record: %+v", view)
	}
	if view.State != pluginhost.StateInitialized {
		t.Fatalf("expected state initialized, got %q", view.State)
	}
	if len(view.Capabilities) != 1 || view.Capabilities[0] != "probe.echo" {
		t.Fatalf("unexpected capabilities: %+v", view.Capabilities)
	}
	if view.Manifest != nil {
		t.Fatalf("list views must not embed the manifest, got %+v", view.Manifest)
	}
}

func TestGetPluginDetail(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/plugins/apiprobe", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var view pluginhost.RecordView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Name != "apiprobe" || view.Version != "1.0.0" {
		t.Fatalf("unexpected record: %+v", view)
	}
	if view.Manifest == nil || view.Manifest.Description != "Fixture plugin backing the REST handler tests." {
		t.Fatalf("expected the detail view to embed the manifest, got %+v", view.Manifest)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/plugins/ghost", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestReloadPlugin(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/plugins/apiprobe/reload", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var view pluginhost.RecordView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if view.Name != "apiprobe" || view.State != pluginhost.StateInitialized {
		t.Fatalf("expected a freshly initialized record, got %+v", view)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/plugins/ghost/reload", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestInvokeCapability(t *testing.T) {
	handler := newTestServer(t).Handler()

	t.Run("authorized caller reaches the handler", func(t *testing.T) {
		payload := map[string]any{
			"capability": "Probe.Echo",
			"args":       map[string]any{"message": "hi"},
			"metadata":   map[string]string{"trace": "t-1"},
		}
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoke", payload, operatorSubject("probe.read"))
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		var resp invokeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if resp.Capability != "probe.echo" {
			t.Fatalf("expected the normalized capability name, got %q", resp.Capability)
		}
		if resp.Plugin != "apiprobe" {
			t.Fatalf("expected owning plugin apiprobe, got %q", resp.Plugin)
		}
		if resp.CorrelationID == "" {
			t.Fatalf("expected a correlation id to be assigned")
		}
		echo, ok := resp.Output["echo"].(map[string]any)
		if !ok || echo["message"] != "hi" {
			t.Fatalf("expected submitted args to reach the handler, got %+v", resp.Output)
		}
		if resp.Output["caller"] != "7" {
			t.Fatalf("expected the subject identity to reach the handler, got %+v", resp.Output["caller"])
		}
	})

	t.Run("anonymous caller is denied", func(t *testing.T) {
		payload := map[string]any{"capability": "probe.echo"}
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoke", payload, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "PERMISSION_DENIED" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})

	t.Run("missing capability", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoke", map[string]any{"args": map[string]any{}}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "INVALID_ARGUMENT" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})

	t.Run("unknown capability", func(t *testing.T) {
		payload := map[string]any{"capability": "no.such.capability"}
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoke", payload, operatorSubject("probe.read"))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "CAPABILITY_NOT_FOUND" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})
}

func TestSubmitAndTrackCommands(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/commands", map[string]any{
		"capability": "probe.echo",
		"target":     "web-01",
		"args":       map[string]any{"message": "hi"},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created command.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if created.ID == "" || created.Status != command.StatusPending {
		t.Fatalf("unexpected command: %+v", created)
	}
	if created.Capability != "probe.echo" || created.Target != "web-01" {
		t.Fatalf("unexpected command: %+v", created)
	}
	if created.Caller.ID != "anonymous" {
		t.Fatalf("expected the anonymous identity to be journalled, got %+v", created.Caller)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/commands/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var fetched command.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("expected command %q, got %q", created.ID, fetched.ID)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/commands?status=pending&capability=probe.echo", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var listed []*command.Command
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("expected the submitted command in the listing, got %+v", listed)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/commands/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var stats command.CommandStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCommandEndpointErrors(t *testing.T) {
	handler := newTestServer(t).Handler()

	t.Run("unknown command id", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/commands/missing", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "COMMAND_NOT_FOUND" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})

	t.Run("empty capability rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/commands", map[string]any{"capability": "  "}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != "COMMAND_VALIDATION_FAILED" {
			t.Fatalf("unexpected error body: %+v", body)
		}
	})

	t.Run("malformed limit filter", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/commands?limit=abc", nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("unsupported sort order", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/commands?order=sideways", nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestQueueStatusEndpoint(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/queue", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var status pluginhost.QueueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if status.RunningCount != 0 || status.QueuedCount != 0 {
		t.Fatalf("expected an idle queue, got %+v", status)
	}
	if status.Limit <= 0 || status.MaxQueueSize <= 0 {
		t.Fatalf("expected the queue defaults to apply, got %+v", status)
	}
}

func TestTokenEndpoint(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username:    "op",
		Password:    "s3cret",
		Roles:       []string{"operator"},
		Permissions: []string{"plugin.invoke", "probe.read"},
	}})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "unit-test-secret", Issuer: "openorch-test", AccessTTL: 900, RefreshTTL: 3600},
	}, store)
	if err != nil {
		t.Fatalf("build auth service: %v", err)
	}

	commands := command.NewService(command.NewMemoryStore(), command.NewMemoryQueue(4), 3)
	host := pluginhost.NewHost(pluginhost.HostConfig{})
	host.LoadAll(context.Background())
	t.Cleanup(func() {
		host.Shutdown(context.Background())
		_ = commands.Close()
	})
	handler := NewServer(":0", svc, commands, host).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: "op", Password: "s3cret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if pair.AccessToken == "" || pair.TokenType != "Bearer" || pair.ExpiresIn != 900 {
		t.Fatalf("unexpected token pair: %+v", pair)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: "op", Password: "nope"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "PERMISSION_DENIED" {
		t.Fatalf("unexpected error body: %+v", body)
	}

	// The issued token must carry the request all the way through the
	// middleware and the dispatcher permission check.
	payload, err := json.Marshal(map[string]any{"capability": "probe.echo", "args": map[string]any{"message": "hi"}})
	if err != nil {
		t.Fatalf("marshal invoke payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoke", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	authed := httptest.NewRecorder()
	handler.ServeHTTP(authed, req)
	if authed.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", authed.Code, http.StatusOK, authed.Body.String())
	}
	var resp invokeResponse
	if err := json.Unmarshal(authed.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if echo, ok := resp.Output["echo"].(map[string]any); !ok || echo["message"] != "hi" {
		t.Fatalf("expected the authenticated invoke to reach the handler, got %+v", resp.Output)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/invoke", bytes.NewReader(payload))
	missing := httptest.NewRecorder()
	handler.ServeHTTP(missing, req)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d without a token, got %d", http.StatusUnauthorized, missing.Code)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenOrch/internal/auth"
	"OpenOrch/internal/command"
	xerrors "OpenOrch/internal/errors"
	"OpenOrch/internal/observability/metrics"
	"OpenOrch/internal/pluginhost"
	"OpenOrch/pkg/plugin"
)

// Server 负责暴露 REST 接口，供外部提交命令、管理插件与查询状态。
type Server struct {
	addr     string
	auth     *auth.Service
	commands *command.Service
	host     *pluginhost.Host
}

// NewServer 组装 HTTP 服务及其依赖。
func NewServer(addr string, authSvc *auth.Service, commands *command.Service, host *pluginhost.Host) *Server {
	return &Server{addr: addr, auth: authSvc, commands: commands, host: host}
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))

	mux.Handle("POST /api/v1/commands", s.secure("commands", map[string][]string{
		http.MethodPost: {"command.submit"},
	}, http.HandlerFunc(s.handleSubmitCommand)))
	mux.Handle("GET /api/v1/commands", s.secure("commands", map[string][]string{
		http.MethodGet: {"command.read"},
	}, http.HandlerFunc(s.handleListCommands)))
	mux.Handle("GET /api/v1/commands/stats", s.secure("command_stats", map[string][]string{
		http.MethodGet: {"command.read"},
	}, http.HandlerFunc(s.handleCommandStats)))
	mux.Handle("GET /api/v1/commands/{id}", s.secure("command_detail", map[string][]string{
		http.MethodGet: {"command.read"},
	}, http.HandlerFunc(s.handleGetCommand)))

	mux.Handle("GET /api/v1/plugins", s.secure("plugins", map[string][]string{
		http.MethodGet: {"plugin.read"},
	}, http.HandlerFunc(s.handleListPlugins)))
	mux.Handle("GET /api/v1/plugins/{name}", s.secure("plugin_detail", map[string][]string{
		http.MethodGet: {"plugin.read"},
	}, http.HandlerFunc(s.handleGetPlugin)))
	mux.Handle("POST /api/v1/plugins/{name}/reload", s.secure("plugin_reload", map[string][]string{
		http.MethodPost: {"plugin.manage"},
	}, http.HandlerFunc(s.handleReloadPlugin)))

	mux.Handle("POST /api/v1/invoke", s.secure("invoke", map[string][]string{
		http.MethodPost: {"plugin.invoke"},
	}, http.HandlerFunc(s.handleInvoke)))

	mux.Handle("GET /api/v1/queue", s.secure("queue", map[string][]string{
		http.MethodGet: {"queue.read"},
	}, http.HandlerFunc(s.handleQueueStatus)))

	mux.Handle("GET /api/v1/health", instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Start 监听并服务 HTTP 请求，ctx 取消后优雅退出。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// secure 先套认证中间件，再套请求指标采集。
func (s *Server) secure(name string, perms map[string][]string, handler http.Handler) http.Handler {
	wrapped := handler
	if s.auth != nil {
		wrapped = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: perms,
			AuditEvent:          name,
		})(wrapped)
	}
	return instrument(name, wrapped)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体不是合法 JSON")
		return
	}

	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDisabled):
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "authentication is disabled")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, xerrors.CodePermissionDenied, "invalid credentials")
		case errors.Is(err, auth.ErrUnsupportedGrant):
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "unsupported grant type")
		default:
			writeError(w, http.StatusInternalServerError, xerrors.CodeOf(err), "authentication failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

type submitCommandRequest struct {
	ID         string            `json:"id,omitempty"`
	Capability string            `json:"capability"`
	Target     string            `json:"target,omitempty"`
	Args       map[string]any    `json:"args,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "命令服务未初始化")
		return
	}

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体不是合法 JSON")
		return
	}

	cmd, err := s.commands.Submit(r.Context(), command.Request{
		ID:         req.ID,
		Capability: req.Capability,
		Target:     req.Target,
		Args:       req.Args,
		Caller:     auth.CallerFromContext(r.Context()),
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "命令服务未初始化")
		return
	}

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}

	commands, err := s.commands.List(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, commands)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "命令服务未初始化")
		return
	}

	cmd, err := s.commands.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "命令服务未初始化")
		return
	}

	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}

	stats, err := s.commands.Stats(r.Context(), opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "插件宿主未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.host.Records())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "插件宿主未初始化")
		return
	}

	view, ok := s.host.Record(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "plugin not loaded")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "插件宿主未初始化")
		return
	}

	name := r.PathValue("name")
	if err := s.host.Reload(r.Context(), name); err != nil {
		writeDomainError(w, err)
		return
	}

	view, ok := s.host.Record(name)
	if !ok {
		writeError(w, http.StatusNotFound, xerrors.CodeNotFound, "plugin disappeared during reload")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type invokeRequest struct {
	Capability string            `json:"capability"`
	Args       map[string]any    `json:"args,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type invokeResponse struct {
	Capability    string         `json:"capability"`
	Plugin        string         `json:"plugin,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "插件宿主未初始化")
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体不是合法 JSON")
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "capability 不能为空")
		return
	}

	ec := &plugin.ExecutionContext{
		Caller:   auth.CallerFromContext(r.Context()),
		Metadata: req.Metadata,
	}

	started := time.Now()
	output, err := s.host.Dispatcher().Invoke(r.Context(), req.Capability, req.Args, ec)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	owner, _ := s.host.Dispatcher().Owner(req.Capability)
	writeJSON(w, http.StatusOK, invokeResponse{
		Capability:    plugin.NormalizeCapabilityName(req.Capability),
		Plugin:        owner,
		Output:        output,
		CorrelationID: ec.CorrelationID,
		ElapsedMs:     time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.host == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeUnknown, "插件宿主未初始化")
		return
	}

	status := s.host.QueueStatus()
	metrics.SetExecutionQueueDepth(status.RunningCount, status.QueuedCount)
	writeJSON(w, http.StatusOK, status)
}

type healthResponse struct {
	Status  string                         `json:"status"`
	Plugins map[string]plugin.HealthStatus `json:"plugins,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.host != nil {
		resp.Plugins = s.host.HealthCheck(r.Context())
		for _, status := range resp.Plugins {
			if !status.Healthy {
				resp.Status = "degraded"
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// listOptionsFromQuery 将查询参数转换为存储层的过滤选项。
func listOptionsFromQuery(r *http.Request) ([]command.ListOption, error) {
	query := r.URL.Query()
	var opts []command.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须是正整数")
		}
		opts = append(opts, command.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须是非负整数")
		}
		opts = append(opts, command.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []command.Status
		for _, item := range strings.Split(raw, ",") {
			status := command.Status(strings.ToLower(strings.TrimSpace(item)))
			if item == "" {
				continue
			}
			if !command.IsValidStatus(status) {
				return nil, errors.New("无效的 status 过滤值: " + item)
			}
			statuses = append(statuses, status)
		}
		if len(statuses) > 0 {
			opts = append(opts, command.WithStatuses(statuses...))
		}
	}
	if raw := query.Get("capability"); raw != "" {
		opts = append(opts, command.WithCapability(raw))
	}
	if raw := query.Get("updated_since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("updated_since 需要 RFC3339 时间")
		}
		opts = append(opts, command.WithUpdatedSince(ts))
	}
	if raw := query.Get("updated_until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("updated_until 需要 RFC3339 时间")
		}
		opts = append(opts, command.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("has_result 需要布尔值")
		}
		opts = append(opts, command.WithResultPresence(hasResult))
	}
	if raw := query.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			opts = append(opts, command.WithSortOrder(command.SortByUpdatedAsc))
		case "desc":
			opts = append(opts, command.WithSortOrder(command.SortByUpdatedDesc))
		default:
			return nil, errors.New("order 仅支持 asc 或 desc")
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, command.WithQuery(raw))
	}

	return opts, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: message}})
}

// writeDomainError 根据注册的错误码选择 HTTP 状态码。
func writeDomainError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeError(w, statusForCode(code), code, err.Error())
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeManifestInvalid, command.CodeCommandValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeCapabilityNotFound, command.CodeCommandNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, command.CodeCommandConflict,
		command.CodeCommandCompleted, command.CodeCommandExhausted:
		return http.StatusConflict
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeQueueFull:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// statusWriter 捕获响应状态码，供指标采集使用。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个接口的请求计数与耗时。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(started))
	})
}

// withContext 把根上下文挂到每个请求上，让处理器感知进程退出。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在退出", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

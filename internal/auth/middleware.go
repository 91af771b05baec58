package auth

import (
	"log/slog"
	"net/http"
	"time"

	loggerpkg "OpenOrch/pkg/logger"
)

// MiddlewareConfig 描述一条受保护路由的授权要求。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，键 "*" 对所有方法生效。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志里标注本路由的事件名，缺省用请求路径。
	AuditEvent string
}

// required 取方法对应的权限要求，"*" 是所有方法的后备键。
func (cfg MiddlewareConfig) required(method string) []string {
	if perms := cfg.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

// Middleware 返回认证与授权中间件。disabled 模式下直接放行，
// 其余模式先校验令牌、再按方法检查权限，并为每个请求写审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				switch err {
				case ErrPermissionDenied, ErrSubjectRevoked:
					status = http.StatusForbidden
				}
				s.deny(w, r, status, "access_denied", "", err)
				return
			}

			if err := subject.Authorize(cfg.required(r.Method)...); err != nil {
				s.deny(w, r, http.StatusForbidden, "permission_denied", subject.Username, err)
				return
			}

			start := time.Now()
			capture := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r.WithContext(WithSubject(r.Context(), subject)))

			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLog().Info("api_request",
				"event", event,
				"user", subject.Username,
				"method", r.Method,
				"path", r.URL.Path,
				"status", capture.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// deny 拒绝请求并落一条审计记录。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, event, user string, err error) {
	http.Error(w, http.StatusText(status), status)
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	}
	if user != "" {
		attrs = append(attrs, "user", user)
	}
	s.auditLog().Warn(event, attrs...)
}

// auditLog 兜底到全局审计日志器，避免手工构造的 Service 缺少字段。
func (s *Service) auditLog() *slog.Logger {
	if s != nil && s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// statusCapture 包装 ResponseWriter 以捕获最终状态码。
type statusCapture struct {
	http.ResponseWriter
	status int
}

func (w *statusCapture) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表，"*" 为默认值。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// DefaultPermissions 读请求需要 plugins.read，其余请求需要 plugins.write。
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		http.MethodGet:  {PermissionRead},
		http.MethodHead: {PermissionRead},
		"*":             {PermissionWrite},
	}
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			user := "anonymous"

			if s != nil && s.mode != ModeDisabled {
				subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
				if err != nil {
					xerrors.WriteHTTP(w, xerrors.Wrap(xerrors.CodeUnauthorized, err, err.Error()))
					s.audit.Warn("access_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", http.StatusUnauthorized,
						"error", err.Error(),
					)
					return
				}
				// 授权请求。
				perms := cfg.RequiredPermissions[r.Method]
				if len(perms) == 0 {
					perms = cfg.RequiredPermissions["*"]
				}
				if err := subject.Authorize(perms...); err != nil {
					code := xerrors.CodeAccessDenied
					if !errors.Is(err, ErrPermissionDenied) {
						code = xerrors.CodeUnauthorized
					}
					xerrors.WriteHTTP(w, xerrors.Wrap(code, err, err.Error()))
					s.audit.Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", xerrors.HTTPStatus(code),
						"error", err.Error(),
						"user", subject.Name,
					)
					return
				}
				user = subject.Name
				r = r.WithContext(WithSubject(r.Context(), subject))
			}

			next.ServeHTTP(aw, r)

			// 只读请求不写审计日志。
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit := s.auditLogger()
			audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", user,
			)
		})
	}
}

func (s *Service) auditLogger() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

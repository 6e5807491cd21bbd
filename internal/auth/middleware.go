package auth

import (
	stdErrors "errors"
	"net/http"
	"time"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限，"*" 作为缺省。
	RequiredPermissions map[string][]string
}

// DefaultPermissions 是数据集 API 的缺省权限映射。
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		http.MethodGet:    {PermDatasetsRead},
		http.MethodPost:   {PermDatasetsWrite},
		http.MethodDelete: {PermDatasetsWrite},
	}
}

// Middleware 返回校验令牌与权限的 HTTP 中间件，主体写入请求上下文。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, http.StatusUnauthorized, err, "")
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if err := subject.Authorize(perms...); err != nil {
				s.deny(w, r, http.StatusForbidden, err, subject.Username)
				return
			}
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
				return
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, err error, user string) {
	if stdErrors.Is(err, ErrPermissionDenied) {
		status = http.StatusForbidden
	}
	http.Error(w, http.StatusText(status), status)
	s.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"user", user,
	)
}

// auditWriter 记录响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

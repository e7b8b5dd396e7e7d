package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，要求请求携带拥有 permissions 的令牌。
// 认证关闭时直接放行。
func (s *Service) Middleware(permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.Mode() == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(permissions...)
			}
			if err != nil {
				status := xerrors.HTTPStatusOf(err)
				logger.Audit().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				writeDenied(w, status, err)
				return
			}
			logger.Audit().Info("operator_request",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("subject", subject.Name),
			)
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	body := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

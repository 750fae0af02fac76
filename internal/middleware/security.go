package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "licensehub/internal/errors"
)

// AdminAuth guards the admin API with a static bearer token. An empty token
// disables the admin API entirely.
func AdminAuth(token string, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				logger.WarnContext(ctx, "admin request rejected, admin API disabled",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				errorHandler.HandleError(w, r, apperrors.ErrForbidden)
				return
			}

			authHeader := r.Header.Get("Authorization")
			scheme, presented, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || presented == "" {
				logger.WarnContext(ctx, "admin request without bearer token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)))
				w.Header().Set("WWW-Authenticate", `Bearer realm="licensehub-admin"`)
				errorHandler.HandleError(w, r, apperrors.ErrUnauthorized)
				return
			}

			// Hashing first keeps the comparison constant time across lengths
			got := sha256.Sum256([]byte(strings.TrimSpace(presented)))
			if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
				logger.WarnContext(ctx, "admin authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)))
				w.Header().Set("WWW-Authenticate", `Bearer realm="licensehub-admin", error="invalid_token"`)
				errorHandler.HandleError(w, r, apperrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuditLog writes one audit record per admin call once the response is
// known. Mount it outside AdminAuth so rejected calls are recorded too.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "admin audit",
				slog.String("event_type", "admin_api"),
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", ClientIP(r)),
				slog.Int("status", ww.statusCode),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gridline/powermeter/internal/auth"
	"github.com/gridline/powermeter/internal/logging"
)

type contextKey int

const userIDKey contextKey = iota

// userIDFromContext returns the authenticated subject set by
// authMiddleware, or "" for an unauthenticated request (login only).
func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// authMiddleware implements spec.md §7's authentication error policy:
// missing/malformed header and wrong signature are 401 UNAUTHORIZED,
// and an expired token is 401 -- everything except the login path
// itself requires a bearer token. A token whose type claim is not
// "access" fails Validate as an invalid token and is also answered
// 401; no token failure is answered 403.
func authMiddleware(signer *auth.Signer, publicPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			claims, err := signer.Validate(strings.TrimPrefix(header, prefix))
			if err != nil {
				logging.Op().Warn("auth rejected", "path", r.URL.Path, "error", err.Error())
				writeDomainError(w, err)
				return
			}
			if claims.Subject == "" {
				writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "token missing subject")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accessLogMiddleware records per-request metrics (IncAPIRequest,
// ObserveAPILatency), grounded on the teacher's
// observability.HTTPMiddleware wrapping pattern.
func accessLogMiddleware(m apiMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := nowFunc()
			next.ServeHTTP(rec, r)
			elapsed := nowFunc().Sub(start).Seconds()
			endpoint := r.Method + " " + r.URL.Path
			m.IncAPIRequest(endpoint, http.StatusText(rec.status))
			m.ObserveAPILatency(endpoint, elapsed)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

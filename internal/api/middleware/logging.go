package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog is filled in by inner middleware so the access line can name
// the API key even though Logger runs before Authenticate.
type requestLog struct {
	keyPrefix string
}

// Logger writes one access line per request. Routes are logged by pattern
// (/api/v1/scans/{scanID}), so scan ids stay out of the path field.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		info := &requestLog{}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLogKey, info)))

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if info.keyPrefix != "" {
			attrs = append(attrs, "key_prefix", info.keyPrefix)
		}
		slog.Log(r.Context(), levelFor(rec.status), "http.request", attrs...)
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

const requestIDHeader = "X-Request-Id"

// Recoverer converts handler panics into a 500 JSON error. The stack is
// logged; the response body never carries panic detail.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				slog.Error("panic recovered",
					slog.Any("recover", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": apiError{Code: "INTERNAL", Message: "internal error"},
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type loggerKey struct{}

// RequestID assigns each request a ULID (unless the client supplied one),
// echoes it in the response, and stashes a logger carrying the id plus the
// active trace/span ids in the request context.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = ulid.Make().String()
				r.Header.Set(requestIDHeader, id)
			}
			sc := trace.SpanContextFromContext(r.Context())
			reqLogger := slog.Default().With(
				slog.String("request_id", id),
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
			w.Header().Set(requestIDHeader, id)
			ctx := context.WithValue(r.Context(), loggerKey{}, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFrom returns the request-scoped logger, or the default logger when
// the request never passed through RequestID.
func LoggerFrom(r *http.Request) *slog.Logger {
	if lg, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return lg
	}
	return slog.Default()
}

// TimeoutMiddleware bounds handler execution; requests past the deadline get
// a 504 text response.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, http.StatusText(http.StatusGatewayTimeout))
	}
}

// SecurityHeaders sets the strict defaults appropriate for a JSON-only
// control API. HSTS is left to the TLS-terminating edge.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// AccessLog emits one structured line per request once the handler returns.
// The chi route pattern is logged alongside the raw path so log queries can
// join on the same label the Prometheus middleware uses.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			level := slog.LevelInfo
			switch {
			case ww.Status() >= 500:
				level = slog.LevelError
			case ww.Status() >= 400:
				level = slog.LevelWarn
			}
			LoggerFrom(r).LogAttrs(r.Context(), level, "http_access",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration_ms", time.Since(start)),
				slog.String("request_id", r.Header.Get(requestIDHeader)),
			)
		})
	}
}

// Package app wires the HTTP surface and the background loops that keep the
// queue healthy.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/foliosource/bindery/internal/adapter/httpserver"
	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(httpserver.NotFoundHandler())
	r.MethodNotAllowed(httpserver.MethodNotAllowedHandler())

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/jobs", srv.EnqueueJobHandler())
		wr.Post("/jobs/{id}/requeue", srv.RequeueJobHandler())
		wr.Post("/worker/start", srv.WorkerStartHandler())
		wr.Post("/worker/stop", srv.WorkerStopHandler())
	})

	// Read-only endpoints
	r.Get("/jobs/{id}", srv.GetJobHandler())
	r.Get("/jobs/retryable", srv.RetryableJobsHandler())
	r.Get("/worker/status", srv.WorkerStatusHandler())

	// Health and metrics
	r.Get("/health", srv.HealthHandler())
	r.Get("/health/detailed", srv.HealthDetailedHandler())
	r.Get("/health/ready", srv.ReadyHandler())
	r.Get("/health/live", srv.LiveHandler())
	r.Get("/metrics", srv.MetricsHandler())
	r.Get("/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}

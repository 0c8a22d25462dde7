package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/config"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/usecase"
	"github.com/foliosource/bindery/internal/worker"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// WorkerControl is the slice of the pool lifecycle the control surface
// drives. Start and Stop return ErrConflict when the pool is already in the
// requested state.
type WorkerControl interface {
	Start(ctx domain.Context) error
	Stop(ctx domain.Context) error
	Status() worker.Status
}

// Server aggregates handlers dependencies.
type Server struct {
	Cfg        config.Config
	Queue      domain.JobQueue
	Enqueue    usecase.EnqueueService
	Worker     WorkerControl
	DBCheck    func(ctx context.Context) error
	StoreCheck func(ctx context.Context) error

	startedAt time.Time
}

// NewServer constructs an HTTP server with all handlers and checks wired.
// Worker may be nil when the process runs without an embedded pool; the
// /worker routes then answer 503.
func NewServer(cfg config.Config, queue domain.JobQueue, enq usecase.EnqueueService, wc WorkerControl, dbCheck, storeCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Queue:      queue,
		Enqueue:    enq,
		Worker:     wc,
		DBCheck:    dbCheck,
		StoreCheck: storeCheck,
		startedAt:  time.Now().UTC(),
	}
}

func memoryStats() map[string]any {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]any{
		"alloc_bytes":      ms.Alloc,
		"heap_alloc_bytes": ms.HeapAlloc,
		"sys_bytes":        ms.Sys,
		"num_gc":           ms.NumGC,
	}
}

// HealthHandler reports liveness plus process stats.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"env":            s.Cfg.AppEnv,
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
			"memory":         memoryStats(),
		})
	}
}

type checkResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

func (s *Server) runChecks(ctx context.Context) ([]checkResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	checks := make([]checkResult, 0, 2)
	ok := true
	if s.DBCheck != nil {
		c := checkResult{Name: "db", OK: true}
		if err := s.DBCheck(ctx); err != nil {
			c.OK, c.Details = false, err.Error()
			ok = false
		}
		checks = append(checks, c)
	}
	if s.StoreCheck != nil {
		c := checkResult{Name: "object_store", OK: true}
		if err := s.StoreCheck(ctx); err != nil {
			c.OK, c.Details = false, err.Error()
			ok = false
		}
		checks = append(checks, c)
	}
	return checks, ok
}

// HealthDetailedHandler adds downstream checks; any failed check turns the
// response into a 503.
func (s *Server) HealthDetailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks, ok := s.runChecks(r.Context())
		status, overall := http.StatusOK, "ok"
		if !ok {
			status, overall = http.StatusServiceUnavailable, "degraded"
		}
		writeJSON(w, status, map[string]any{
			"status":         overall,
			"checks":         checks,
			"env":            s.Cfg.AppEnv,
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
			"memory":         memoryStats(),
		})
	}
}

// ReadyHandler probes the database; ready means requests can be served.
func (s *Server) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "details": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}

// LiveHandler is pure liveness.
func (s *Server) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
	}
}

// MetricsHandler reports queue and worker metrics as JSON. The Prometheus
// exposition lives on its own route.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Queue.Stats(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("queue stats: %w", err), nil)
			return
		}
		payload := map[string]any{"queue": stats}
		if s.Worker != nil {
			payload["worker"] = s.Worker.Status()
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// EnqueueJobHandler creates a job from a JSON body.
func (s *Server) EnqueueJobHandler() http.HandlerFunc {
	type enqueueRequest struct {
		Type        string         `json:"type" validate:"required"`
		TargetURL   string         `json:"target_url" validate:"required,url"`
		Priority    int            `json:"priority"`
		MaxAttempts int            `json:"max_attempts" validate:"omitempty,min=1,max=20"`
		Metadata    map[string]any `json:"metadata"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		job, err := s.Enqueue.Enqueue(r.Context(), domain.EnqueueRequest{
			Type:        domain.JobType(req.Type),
			TargetURL:   req.TargetURL,
			Priority:    req.Priority,
			MaxAttempts: req.MaxAttempts,
			Metadata:    req.Metadata,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.EnqueueJob(string(job.Type))
		writeJSON(w, http.StatusCreated, map[string]any{"job_id": job.ID})
	}
}

// GetJobHandler returns one job by id.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": jobPayload(job)})
	}
}

// RetryableJobsHandler lists dead-lettered jobs that still have attempts
// left.
func (s *Server) RetryableJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 500", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		jobs, err := s.Queue.Retryable(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobPayload(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
	}
}

// RequeueJobHandler puts a failed job back in the queue; the body reports
// whether anything changed.
func (s *Server) RequeueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		requeued, err := s.Queue.Requeue(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "requeued": requeued})
	}
}

// WorkerStartHandler starts the embedded pool. Starting a running pool is a
// 400.
func (s *Server) WorkerStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Worker == nil {
			writeUnavailable(w, "worker pool not initialized")
			return
		}
		if err := s.Worker.Start(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "started", "worker": s.Worker.Status()})
	}
}

// WorkerStopHandler stops the embedded pool. Stopping a stopped pool is a
// 400.
func (s *Server) WorkerStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Worker == nil {
			writeUnavailable(w, "worker pool not initialized")
			return
		}
		if err := s.Worker.Stop(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "worker": s.Worker.Status()})
	}
}

// WorkerStatusHandler reports pool state plus queue counters.
func (s *Server) WorkerStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Worker == nil {
			writeUnavailable(w, "worker pool not initialized")
			return
		}
		payload := map[string]any{"worker": s.Worker.Status()}
		if stats, err := s.Queue.Stats(r.Context()); err == nil {
			payload["queue"] = stats
		} else {
			slog.Warn("queue stats unavailable", slog.Any("error", err))
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// NotFoundHandler keeps unknown routes on the JSON envelope.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("%w: no route for %s %s", domain.ErrNotFound, r.Method, r.URL.Path), nil)
	}
}

// MethodNotAllowedHandler keeps 405s on the JSON envelope.
func MethodNotAllowedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": apiError{Code: "METHOD_NOT_ALLOWED", Message: fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path)},
		})
	}
}

func jobPayload(j domain.Job) map[string]any {
	m := map[string]any{
		"id":           j.ID,
		"type":         j.Type,
		"target_url":   j.TargetURL,
		"priority":     j.Priority,
		"status":       j.Status,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"created_at":   j.CreatedAt,
		"updated_at":   j.UpdatedAt,
	}
	if j.LockedAt != nil {
		m["locked_at"] = *j.LockedAt
	}
	if j.LockedBy != nil {
		m["locked_by"] = *j.LockedBy
	}
	if j.LastError != nil {
		m["last_error"] = *j.LastError
	}
	if j.CompletedAt != nil {
		m["completed_at"] = *j.CompletedAt
	}
	if len(j.Metadata) > 0 {
		m["metadata"] = j.Metadata
	}
	return m
}

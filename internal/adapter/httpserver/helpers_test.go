package httpserver_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/foliosource/bindery/internal/adapter/httpserver"
	"github.com/foliosource/bindery/internal/config"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/usecase"
	"github.com/foliosource/bindery/internal/worker"
)

// ctlQueue is a canned-response JobQueue for handler tests.
type ctlQueue struct {
	enqueueJob domain.Job
	enqueueErr error
	getJob     domain.Job
	getErr     error
	stats      domain.QueueStats
	statsErr   error
	retryable  []domain.Job
	retryErr   error
	requeueOK  bool
	requeueErr error

	lastEnqueue   domain.EnqueueRequest
	lastLimit     int
	lastRequeueID string
}

func (q *ctlQueue) Enqueue(_ domain.Context, req domain.EnqueueRequest) (domain.Job, error) {
	q.lastEnqueue = req
	if q.enqueueErr != nil {
		return domain.Job{}, q.enqueueErr
	}
	return q.enqueueJob, nil
}

func (q *ctlQueue) Dequeue(_ domain.Context, _ string, _ time.Duration) (domain.Job, error) {
	return domain.Job{}, domain.ErrNoJob
}

func (q *ctlQueue) Complete(_ domain.Context, _, _ string, _ domain.ResultSummary) error {
	return nil
}

func (q *ctlQueue) Fail(_ domain.Context, _, _, _ string, _ domain.ResultSummary) (domain.JobStatus, error) {
	return domain.JobQueued, nil
}

func (q *ctlQueue) Get(_ domain.Context, _ string) (domain.Job, error) {
	if q.getErr != nil {
		return domain.Job{}, q.getErr
	}
	return q.getJob, nil
}

func (q *ctlQueue) Stats(_ domain.Context) (domain.QueueStats, error) {
	if q.statsErr != nil {
		return domain.QueueStats{}, q.statsErr
	}
	return q.stats, nil
}

func (q *ctlQueue) Retryable(_ domain.Context, limit int) ([]domain.Job, error) {
	q.lastLimit = limit
	if q.retryErr != nil {
		return nil, q.retryErr
	}
	return q.retryable, nil
}

func (q *ctlQueue) Requeue(_ domain.Context, jobID string) (bool, error) {
	q.lastRequeueID = jobID
	if q.requeueErr != nil {
		return false, q.requeueErr
	}
	return q.requeueOK, nil
}

func (q *ctlQueue) ReleaseOwned(_ domain.Context, _ string) (int64, error) { return 0, nil }

func (q *ctlQueue) RequeueExpired(_ domain.Context, _ time.Duration) (int64, error) { return 0, nil }

func (q *ctlQueue) PurgeFinished(_ domain.Context, _ time.Duration) (int64, error) { return 0, nil }

// ctlWorker satisfies WorkerControl with canned state.
type ctlWorker struct {
	startErr error
	stopErr  error
	status   worker.Status

	started int
	stopped int
}

func (w *ctlWorker) Start(_ domain.Context) error {
	w.started++
	return w.startErr
}

func (w *ctlWorker) Stop(_ domain.Context) error {
	w.stopped++
	return w.stopErr
}

func (w *ctlWorker) Status() worker.Status { return w.status }

func newTestServer(q *ctlQueue, wc httpserver.WorkerControl) *httpserver.Server {
	cfg := config.Config{AppEnv: "test"}
	return httpserver.NewServer(cfg, q, usecase.NewEnqueueService(q, 3), wc, nil, nil)
}

// jobRoutes mounts the handlers that read chi URL params.
func jobRoutes(srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/jobs", srv.EnqueueJobHandler())
	r.Get("/jobs/retryable", srv.RetryableJobsHandler())
	r.Get("/jobs/{id}", srv.GetJobHandler())
	r.Post("/jobs/{id}/requeue", srv.RequeueJobHandler())
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newRequestWithHeader(t *testing.T, key, value string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(key, value)
	return req, httptest.NewRecorder()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

// apiErrorOf digs the error object out of a response envelope.
func apiErrorOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "response %q has no error object", rec.Body.String())
	return e
}

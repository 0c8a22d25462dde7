package worker_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foliosource/bindery/internal/domain"
)

// queueStub is an in-memory JobQueue. Dequeue hands out the seeded jobs once
// each; the mutators record their calls for assertions.
type queueStub struct {
	mu      sync.Mutex
	pending []domain.Job

	enqueueErr  error
	completeErr error
	failStatus  domain.JobStatus
	failErr     error

	enqueued   []domain.EnqueueRequest
	completed  []string
	failures   []failCall
	releasedBy string
}

type failCall struct {
	jobID string
	cause string
}

func (q *queueStub) Enqueue(_ domain.Context, req domain.EnqueueRequest) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return domain.Job{}, q.enqueueErr
	}
	q.enqueued = append(q.enqueued, req)
	return domain.Job{
		ID:        fmt.Sprintf("enq-%d", len(q.enqueued)),
		Type:      req.Type,
		TargetURL: req.TargetURL,
		Status:    domain.JobQueued,
	}, nil
}

func (q *queueStub) Dequeue(_ domain.Context, workerID string, _ time.Duration) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return domain.Job{}, domain.ErrNoJob
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = domain.JobRunning
	job.Attempts++
	job.LockedBy = &workerID
	return job, nil
}

func (q *queueStub) Complete(_ domain.Context, jobID, _ string, _ domain.ResultSummary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completeErr != nil {
		return q.completeErr
	}
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *queueStub) Fail(_ domain.Context, jobID, _, cause string, _ domain.ResultSummary) (domain.JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return "", q.failErr
	}
	q.failures = append(q.failures, failCall{jobID: jobID, cause: cause})
	if q.failStatus == "" {
		return domain.JobQueued, nil
	}
	return q.failStatus, nil
}

func (q *queueStub) Get(_ domain.Context, _ string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (q *queueStub) Stats(_ domain.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}

func (q *queueStub) Retryable(_ domain.Context, _ int) ([]domain.Job, error) { return nil, nil }

func (q *queueStub) Requeue(_ domain.Context, _ string) (bool, error) { return false, nil }

func (q *queueStub) ReleaseOwned(_ domain.Context, workerID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releasedBy = workerID
	return 0, nil
}

func (q *queueStub) RequeueExpired(_ domain.Context, _ time.Duration) (int64, error) { return 0, nil }

func (q *queueStub) PurgeFinished(_ domain.Context, _ time.Duration) (int64, error) { return 0, nil }

func (q *queueStub) enqueuedReqs() []domain.EnqueueRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.EnqueueRequest, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

func (q *queueStub) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

func (q *queueStub) failureCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failures)
}

func (q *queueStub) failureAt(i int) failCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failures[i]
}

func (q *queueStub) releasedWorker() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.releasedBy
}

// handlerStub stands in for a page handler; it returns a canned result or
// error without touching the network. A non-zero delay makes it block until
// the delay elapses or the job context is canceled; started, when set,
// receives a signal as each Handle call begins.
type handlerStub struct {
	typ     domain.JobType
	res     *domain.ScrapeResult
	err     error
	panics  bool
	delay   time.Duration
	started chan struct{}

	calls atomic.Int32
}

func (h *handlerStub) Type() domain.JobType { return h.typ }

func (h *handlerStub) Handle(ctx domain.Context, _ domain.Job) (*domain.ScrapeResult, error) {
	h.calls.Add(1)
	if h.started != nil {
		select {
		case h.started <- struct{}{}:
		default:
		}
	}
	if h.panics {
		panic("handler exploded")
	}
	if h.delay > 0 {
		t := time.NewTimer(h.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return h.res, h.err
}

// catalogStub records upserts and mints sequential IDs the way the real repo
// mints UUIDs.
type catalogStub struct {
	mu        sync.Mutex
	navs      []domain.NavigationRecord
	cats      []domain.CategoryRecord
	products  []domain.ProductRecord
	refreshed int

	upsertErr error
}

func (c *catalogStub) UpsertNavigation(_ domain.Context, rec domain.NavigationRecord) (domain.Navigation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upsertErr != nil {
		return domain.Navigation{}, c.upsertErr
	}
	c.navs = append(c.navs, rec)
	return domain.Navigation{ID: fmt.Sprintf("nav-%d", len(c.navs)), Title: rec.Title, SourceURL: rec.SourceURL}, nil
}

func (c *catalogStub) UpsertCategory(_ domain.Context, rec domain.CategoryRecord) (domain.Category, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upsertErr != nil {
		return domain.Category{}, c.upsertErr
	}
	c.cats = append(c.cats, rec)
	return domain.Category{ID: fmt.Sprintf("cat-%d", len(c.cats)), Title: rec.Title, SourceURL: rec.SourceURL}, nil
}

func (c *catalogStub) UpsertProduct(_ domain.Context, rec domain.ProductRecord) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upsertErr != nil {
		return domain.Product{}, c.upsertErr
	}
	c.products = append(c.products, rec)
	return domain.Product{ID: fmt.Sprintf("prod-%d", len(c.products)), Title: rec.Title, SourceURL: rec.SourceURL}, nil
}

func (c *catalogStub) RefreshCategoryCounts(_ domain.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upsertErr != nil {
		return 0, c.upsertErr
	}
	c.refreshed++
	return int64(len(c.cats)), nil
}

func (c *catalogStub) productAt(i int) domain.ProductRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products[i]
}

func (c *catalogStub) categoryAt(i int) domain.CategoryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cats[i]
}

func (c *catalogStub) navCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.navs)
}

type notifierStub struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
}

func (n *notifierStub) Notify(_ domain.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func (n *notifierStub) last() domain.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alerts[len(n.alerts)-1]
}

// storeStub satisfies domain.ObjectStore for image stage tests.
type storeStub struct {
	mu   sync.Mutex
	keys []string
}

func (s *storeStub) Put(_ domain.Context, key string, _ []byte, _ domain.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return "https://media.test/" + key, nil
}

func (s *storeStub) PresignGet(_ domain.Context, key string, _ time.Duration) (string, error) {
	return "https://media.test/" + key, nil
}

func (s *storeStub) Healthy(_ domain.Context) error { return nil }

package usecase

import (
	"fmt"
	"net/url"

	"github.com/foliosource/bindery/internal/domain"
)

// EnqueueService validates enqueue requests before they reach the queue.
type EnqueueService struct {
	Queue              domain.JobQueue
	DefaultMaxAttempts int
}

// NewEnqueueService constructs an EnqueueService with the given queue.
func NewEnqueueService(q domain.JobQueue, defaultMaxAttempts int) EnqueueService {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return EnqueueService{Queue: q, DefaultMaxAttempts: defaultMaxAttempts}
}

// Enqueue checks the type and target URL and hands the request to the queue.
// Requests without an attempt ceiling get the configured default.
func (s EnqueueService) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (domain.Job, error) {
	if !req.Type.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, req.Type)
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return domain.Job{}, fmt.Errorf("%w: target_url must be absolute", domain.ErrInvalidArgument)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Job{}, fmt.Errorf("%w: target_url scheme %q", domain.ErrInvalidArgument, u.Scheme)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.DefaultMaxAttempts
	}
	return s.Queue.Enqueue(ctx, req)
}

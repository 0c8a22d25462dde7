package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNoJob           = errors.New("no job available")
	ErrLostLease       = errors.New("lease lost")
	ErrPolicyDenied    = errors.New("denied by url policy")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrParseFailed     = errors.New("parse failed")
	ErrStoreFailed     = errors.New("store failed")
	ErrInternal        = errors.New("internal error")
)

// JobType enumerates the page kinds the pipeline knows how to scrape.
type JobType string

const (
	JobTypeNavigation JobType = "navigation"
	JobTypeCategory   JobType = "category"
	JobTypeProduct    JobType = "product"
)

// Valid reports whether t names a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeNavigation, JobTypeCategory, JobTypeProduct:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of scraping work. A running job is leased: LockedBy
// identifies the owner and LockedAt starts the lease clock. Attempts counts
// dequeues, so a lease that expires and is re-dequeued burns an attempt.
type Job struct {
	ID          string
	Type        JobType
	TargetURL   string
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the job can never run again without a requeue.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || (j.Status == JobFailed && j.Attempts >= j.MaxAttempts)
}

// EnqueueRequest is the write half of enqueue; zero Priority is valid and
// sorts after any positive priority.
type EnqueueRequest struct {
	Type        JobType
	TargetURL   string
	Priority    int
	MaxAttempts int
	Metadata    map[string]any
}

// ResultSummary is merged into job metadata when a job finishes.
type ResultSummary struct {
	ItemsProcessed int      `json:"items_processed"`
	ImagesStored   int      `json:"images_stored"`
	ImageFailures  int      `json:"image_failures"`
	Discovered     int      `json:"discovered"`
	DurationMS     int64    `json:"duration_ms"`
	Errors         []string `json:"errors,omitempty"`
}

// QueueStats are point-in-time counts; Locked counts running rows whose
// lease has not yet expired.
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Locked    int64 `json:"locked"`
	Total     int64 `json:"total"`
}

// Catalog entities (stored rows). Every entity is keyed for idempotent
// upserts by SourceURL.

type Navigation struct {
	ID            string
	Title         string
	SourceURL     string
	ParentID      *string
	LastScrapedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Category struct {
	ID            string
	NavigationID  *string
	Title         string
	SourceURL     string
	ProductCount  int
	LastScrapedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Product struct {
	ID            string
	CategoryID    *string
	Title         string
	SourceURL     string
	SourceID      *string
	Price         *float64
	Currency      string
	ImageURLs     []string
	Summary       *string
	Specs         map[string]any
	Available     bool
	LastScrapedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ports

// JobQueue is the durable work queue. Dequeue returns ErrNoJob when nothing
// is claimable; Complete and Fail return ErrLostLease when the caller no
// longer owns the row.
type JobQueue interface {
	Enqueue(ctx Context, req EnqueueRequest) (Job, error)
	Dequeue(ctx Context, workerID string, lockTTL time.Duration) (Job, error)
	Complete(ctx Context, jobID, workerID string, summary ResultSummary) error
	Fail(ctx Context, jobID, workerID, cause string, partial ResultSummary) (JobStatus, error)
	Get(ctx Context, jobID string) (Job, error)
	Stats(ctx Context) (QueueStats, error)
	Retryable(ctx Context, limit int) ([]Job, error)
	Requeue(ctx Context, jobID string) (bool, error)
	ReleaseOwned(ctx Context, workerID string) (int64, error)
	RequeueExpired(ctx Context, lockTTL time.Duration) (int64, error)
	PurgeFinished(ctx Context, olderThan time.Duration) (int64, error)
}

// CatalogRepository persists scraped records. Upserts key on source_url and
// preserve created_at on conflict.
type CatalogRepository interface {
	UpsertNavigation(ctx Context, rec NavigationRecord) (Navigation, error)
	UpsertCategory(ctx Context, rec CategoryRecord) (Category, error)
	UpsertProduct(ctx Context, rec ProductRecord) (Product, error)
	RefreshCategoryCounts(ctx Context) (int64, error)
}

// PutOptions carry the object headers set at upload time.
type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// ObjectStore is the S3-compatible image store.
type ObjectStore interface {
	Put(ctx Context, key string, body []byte, opts PutOptions) (string, error)
	PresignGet(ctx Context, key string, expiry time.Duration) (string, error)
	Healthy(ctx Context) error
}

// PageHandler scrapes one page kind into typed records.
type PageHandler interface {
	Type() JobType
	Handle(ctx Context, job Job) (*ScrapeResult, error)
}

// Alert kinds.
const (
	AlertJobTerminalFailure = "job_terminal_failure"
	AlertErrorRate          = "error_rate_high"
	AlertMemoryHighWater    = "memory_high_water"
)

// Alert is an operator notification.
type Alert struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx Context, a Alert) error
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through
type Context = context.Context

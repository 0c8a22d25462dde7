package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/foliosource/bindery/internal/domain"
)

// jobColumns is the scan order shared by every query returning scrape_job
// rows, including the rows coming back from the stored procedures.
const jobColumns = `id::text, type, target_url, priority, status, attempts, max_attempts,
	locked_at, locked_by, last_error, metadata, created_at, updated_at, completed_at`

// QueueRepo is the PostgreSQL implementation of domain.JobQueue. LockTTL is
// only used by Stats to split live leases from expired ones; leasing itself
// takes the TTL per call.
type QueueRepo struct {
	Pool    PgxPool
	LockTTL time.Duration
}

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool, lockTTL time.Duration) *QueueRepo {
	return &QueueRepo{Pool: p, LockTTL: lockTTL}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var meta []byte
	err := row.Scan(
		&j.ID, &j.Type, &j.TargetURL, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LockedAt, &j.LockedBy, &j.LastError, &meta, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// Enqueue inserts a queued row. A second enqueue for a page that already has
// a live job is a no-op that returns the live job, so discovery loops cannot
// pile up duplicates.
func (r *QueueRepo) Enqueue(ctx domain.Context, req domain.EnqueueRequest) (domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}

	insert := `INSERT INTO scrape_job (type, target_url, priority, max_attempts, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (type, target_url) WHERE status IN ('queued','running') DO NOTHING
		RETURNING ` + jobColumns
	active := `SELECT ` + jobColumns + ` FROM scrape_job
		WHERE type = $1 AND target_url = $2 AND status IN ('queued','running')
		LIMIT 1`

	for range 2 {
		j, err := scanJob(r.Pool.QueryRow(ctx, insert, req.Type, req.TargetURL, req.Priority, req.MaxAttempts, metaJSON))
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
		}
		// Conflict with a live job; hand that one back.
		j, err = scanJob(r.Pool.QueryRow(ctx, active, req.Type, req.TargetURL))
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", err)
		}
		// The live job finished between the two statements; insert again.
	}
	return domain.Job{}, fmt.Errorf("op=queue.enqueue: %w", domain.ErrConflict)
}

// Dequeue leases the next eligible job via the dequeue_job stored procedure.
// Returns ErrNoJob when nothing is claimable.
func (r *QueueRepo) Dequeue(ctx domain.Context, workerID string, lockTTL time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Dequeue")
	defer span.End()

	minutes := int(lockTTL / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	q := `SELECT ` + jobColumns + ` FROM dequeue_job($1, $2)`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, workerID, minutes))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.dequeue: %w", domain.ErrNoJob)
		}
		return domain.Job{}, fmt.Errorf("op=queue.dequeue: %w", err)
	}
	return j, nil
}

// Complete finishes a leased job. The locked_by predicate makes the update a
// no-op for anyone who lost the lease; that surfaces as ErrLostLease.
func (r *QueueRepo) Complete(ctx domain.Context, jobID, workerID string, summary domain.ResultSummary) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()

	merge, err := json.Marshal(map[string]any{"result": summary, "completed_by": workerID})
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	q := `UPDATE scrape_job
		SET status = 'completed', locked_at = NULL, locked_by = NULL, last_error = NULL,
		    completed_at = now(), updated_at = now(), metadata = metadata || $3::jsonb
		WHERE id = $1::uuid AND locked_by = $2 AND status = 'running'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, merge)
	if err != nil {
		if isInvalidUUID(err) {
			return fmt.Errorf("op=queue.complete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: %w", domain.ErrLostLease)
	}
	return nil
}

// Fail records an attempt failure. With attempts left the row goes straight
// back to queued; at the ceiling it dead-letters to failed. Returns the
// resulting status so callers can tell terminal failures apart.
func (r *QueueRepo) Fail(ctx domain.Context, jobID, workerID, cause string, partial domain.ResultSummary) (domain.JobStatus, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()

	merge, err := json.Marshal(map[string]any{"last_failure": partial, "failed_by": workerID})
	if err != nil {
		return "", fmt.Errorf("op=queue.fail: %w", err)
	}
	q := `UPDATE scrape_job
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
		    locked_at    = NULL, locked_by = NULL,
		    last_error   = $3, metadata = metadata || $4::jsonb, updated_at = now()
		WHERE id = $1::uuid AND locked_by = $2 AND status = 'running'
		RETURNING status`
	var status domain.JobStatus
	if err := r.Pool.QueryRow(ctx, q, jobID, workerID, cause, merge).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=queue.fail: %w", domain.ErrLostLease)
		}
		if isInvalidUUID(err) {
			return "", fmt.Errorf("op=queue.fail: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=queue.fail: %w", err)
	}
	return status, nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM scrape_job WHERE id = $1::uuid`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return domain.Job{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return j, nil
}

// Stats counts rows per status; locked counts running rows whose lease is
// still live under the repo's TTL.
func (r *QueueRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Stats")
	defer span.End()

	q := `SELECT
		count(*) FILTER (WHERE status = 'queued'),
		count(*) FILTER (WHERE status = 'running'),
		count(*) FILTER (WHERE status = 'completed'),
		count(*) FILTER (WHERE status = 'failed'),
		count(*) FILTER (WHERE status = 'running' AND locked_at > now() - make_interval(secs => $1)),
		count(*)
	FROM scrape_job`
	var s domain.QueueStats
	err := r.Pool.QueryRow(ctx, q, r.LockTTL.Seconds()).Scan(
		&s.Queued, &s.Running, &s.Completed, &s.Failed, &s.Locked, &s.Total,
	)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return s, nil
}

// Retryable lists dead-lettered jobs still under their attempt ceiling.
func (r *QueueRepo) Retryable(ctx domain.Context, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Retryable")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM get_retryable_jobs($1)`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.retryable: %w", err)
	}
	defer rows.Close()
	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.retryable: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.retryable: %w", err)
	}
	return jobs, nil
}

// Requeue puts a failed job back in the queue. Returns false when the job is
// not requeueable: unknown, not failed, out of attempts, or another live job
// already covers the same page.
func (r *QueueRepo) Requeue(ctx domain.Context, jobID string) (bool, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Requeue")
	defer span.End()

	q := `UPDATE scrape_job
		SET status = 'queued', locked_at = NULL, locked_by = NULL,
		    completed_at = NULL, updated_at = now()
		WHERE id = $1::uuid AND status = 'failed' AND attempts < max_attempts`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		if isUniqueViolation(err) || isInvalidUUID(err) {
			return false, nil
		}
		return false, fmt.Errorf("op=queue.requeue: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseOwned returns every job still leased by workerID to the queue.
// Called on shutdown after in-flight jobs got their grace period.
func (r *QueueRepo) ReleaseOwned(ctx domain.Context, workerID string) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ReleaseOwned")
	defer span.End()

	q := `UPDATE scrape_job
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
		    last_error   = COALESCE(last_error, 'released at shutdown'),
		    locked_at    = NULL, locked_by = NULL, updated_at = now()
		WHERE locked_by = $1 AND status = 'running'`
	tag, err := r.Pool.Exec(ctx, q, workerID)
	if err != nil {
		return 0, fmt.Errorf("op=queue.release_owned: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueExpired sweeps running rows with expired leases: back to queued with
// attempts left, dead-lettered otherwise. The dequeue predicate already
// covers the first case; the sweep keeps the table tidy between dequeues and
// is the only path that retires an expired job at its attempt ceiling.
func (r *QueueRepo) RequeueExpired(ctx domain.Context, lockTTL time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RequeueExpired")
	defer span.End()

	q := `UPDATE scrape_job
		SET status       = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END,
		    last_error   = 'lease expired',
		    locked_at    = NULL, locked_by = NULL, updated_at = now()
		WHERE status = 'running' AND locked_at <= now() - make_interval(secs => $1)`
	tag, err := r.Pool.Exec(ctx, q, lockTTL.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeFinished deletes completed and failed rows older than the TTL.
func (r *QueueRepo) PurgeFinished(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.PurgeFinished")
	defer span.End()

	q := `DELETE FROM scrape_job
		WHERE status IN ('completed', 'failed')
		  AND COALESCE(completed_at, updated_at) < now() - make_interval(secs => $1)`
	tag, err := r.Pool.Exec(ctx, q, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=queue.purge_finished: %w", err)
	}
	return tag.RowsAffected(), nil
}

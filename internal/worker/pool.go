package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/domain"
)

// Options tune a Pool; zero values fall back to production defaults.
type Options struct {
	Size          int
	LockTTL       time.Duration
	PollInterval  time.Duration
	ShutdownGrace time.Duration
}

// Pool runs Size consumer goroutines against the job queue. It is built
// stopped; Start and Stop move it between states and both reject calls that
// would repeat the current state.
type Pool struct {
	queue    domain.JobQueue
	pipeline *Pipeline
	notifier domain.Notifier
	metrics  *Metrics
	id       string
	opts     Options

	mu         sync.Mutex
	running    bool
	stopIntake context.CancelFunc
	cancelWork context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
}

// New constructs a stopped Pool with a fresh worker identity.
func New(queue domain.JobQueue, pipeline *Pipeline, notifier domain.Notifier, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 2
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	return &Pool{
		queue:    queue,
		pipeline: pipeline,
		notifier: notifier,
		metrics:  &Metrics{},
		id:       Identity(),
		opts:     opts,
	}
}

// ID returns the worker identity written to locked_by.
func (p *Pool) ID() string { return p.id }

// Metrics exposes the pool counters.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Start spins up the consumer goroutines. Returns ErrConflict when the pool
// is already running.
func (p *Pool) Start(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("op=worker.start: already running: %w", domain.ErrConflict)
	}

	// The pool outlives the caller; Stop owns both cancellations. Intake
	// gates dequeueing, work is the base for job execution: Stop closes
	// intake first and cancels work only after the grace window is spent.
	intakeCtx, stopIntake := context.WithCancel(context.WithoutCancel(ctx))
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(p.opts.Size)
	for i := 0; i < p.opts.Size; i++ {
		go func(slot int) {
			defer wg.Done()
			p.runLoop(intakeCtx, workCtx, slot)
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	p.stopIntake = stopIntake
	p.cancelWork = cancelWork
	p.done = done
	p.running = true
	p.startedAt = time.Now().UTC()
	slog.Info("worker pool started",
		slog.String("worker_id", p.id),
		slog.Int("size", p.opts.Size),
		slog.Duration("lock_ttl", p.opts.LockTTL),
		slog.Duration("poll_interval", p.opts.PollInterval))
	return nil
}

// Stop drains the pool in two phases: consumers stop taking new leases
// immediately, in-flight jobs get up to the shutdown grace to finish, and
// only then are their contexts canceled. Whatever this worker still holds
// afterwards is released so other workers can pick it up. Returns
// ErrConflict when the pool is not running.
func (p *Pool) Stop(ctx domain.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("op=worker.stop: not running: %w", domain.ErrConflict)
	}
	p.running = false
	stopIntake, cancelWork, done := p.stopIntake, p.cancelWork, p.done
	p.stopIntake, p.cancelWork, p.done = nil, nil, nil
	p.mu.Unlock()

	stopIntake()
	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		slog.Warn("worker pool stop grace expired", slog.String("worker_id", p.id))
	case <-ctx.Done():
	}

	// Hard-cancel whatever is still in flight and give the loops a short
	// window to unwind before the leases are handed back.
	cancelWork()
	unwind := time.NewTimer(5 * time.Second)
	defer unwind.Stop()
	select {
	case <-done:
	case <-unwind.C:
		slog.Error("worker loops did not unwind after cancel", slog.String("worker_id", p.id))
	}

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer relCancel()
	if n, err := p.queue.ReleaseOwned(relCtx, p.id); err != nil {
		slog.Error("release owned jobs failed", slog.String("worker_id", p.id), slog.Any("error", err))
	} else if n > 0 {
		slog.Info("released owned jobs", slog.String("worker_id", p.id), slog.Int64("count", n))
	}

	slog.Info("worker pool stopped", slog.String("worker_id", p.id))
	return nil
}

// Status is the pool state exposed over the control surface.
type Status struct {
	Running       bool       `json:"running"`
	WorkerID      string     `json:"worker_id"`
	Size          int        `json:"size"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Metrics       Snapshot   `json:"metrics"`
}

// Status reports the current pool state and throughput counters.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Running:  p.running,
		WorkerID: p.id,
		Size:     p.opts.Size,
		Metrics:  p.metrics.Snapshot(),
	}
	if p.running {
		t := p.startedAt
		st.StartedAt = &t
		st.UptimeSeconds = int64(time.Since(t).Seconds())
	}
	return st
}

// runLoop leases and processes jobs until intake closes. Jobs run under
// workCtx so a closed intake never interrupts one already in flight.
func (p *Pool) runLoop(intakeCtx, workCtx domain.Context, slot int) {
	slog.Info("worker loop started", slog.String("worker_id", p.id), slog.Int("slot", slot))
	for {
		select {
		case <-intakeCtx.Done():
			slog.Info("worker loop stopped", slog.String("worker_id", p.id), slog.Int("slot", slot))
			return
		default:
		}

		job, err := p.queue.Dequeue(intakeCtx, p.id, p.opts.LockTTL)
		switch {
		case errors.Is(err, domain.ErrNoJob):
			p.idle(intakeCtx)
			continue
		case err != nil:
			if intakeCtx.Err() != nil {
				continue
			}
			slog.Error("dequeue failed", slog.String("worker_id", p.id), slog.Any("error", err))
			p.idle(intakeCtx)
			continue
		}
		p.process(workCtx, job)
	}
}

func (p *Pool) idle(ctx domain.Context) {
	t := time.NewTimer(p.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one leased job through the pipeline and finalizes it. Pipeline
// errors become a Fail on the queue, except a shutdown cancel, which leaves
// the lease for release; nothing propagates out of here.
func (p *Pool) process(ctx domain.Context, job domain.Job) {
	tracer := otel.Tracer("worker.pool")
	jobCtx, cancel := context.WithTimeout(ctx, p.opts.LockTTL)
	defer cancel()
	jobCtx, span := tracer.Start(jobCtx, "worker.ProcessJob")
	defer span.End()

	slog.Info("job started",
		slog.String("worker_id", p.id),
		slog.String("job_id", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("target_url", job.TargetURL),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts))
	observability.StartProcessingJob(string(job.Type))

	start := time.Now()
	summary, err := p.runPipeline(jobCtx, job)
	dur := time.Since(start)

	// Finalize with a context that survives pool cancellation; the row must
	// not stay leased just because shutdown interrupted the handler.
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer finCancel()

	if err != nil {
		// A canceled job context means shutdown interrupted the handler, not
		// that the job is bad: leave the lease for ReleaseOwned instead of
		// burning an attempt. TTL expiry surfaces as DeadlineExceeded and
		// still counts as a failure.
		if errors.Is(jobCtx.Err(), context.Canceled) {
			observability.AbandonJob(string(job.Type))
			slog.Warn("job abandoned at shutdown",
				slog.String("worker_id", p.id),
				slog.String("job_id", job.ID),
				slog.String("type", string(job.Type)))
			return
		}
		p.fail(finCtx, job, err, summary, dur)
		return
	}

	if cerr := p.queue.Complete(finCtx, job.ID, p.id, summary); cerr != nil {
		if errors.Is(cerr, domain.ErrLostLease) {
			slog.Warn("lease lost before complete", slog.String("worker_id", p.id), slog.String("job_id", job.ID))
		} else {
			slog.Error("complete failed", slog.String("job_id", job.ID), slog.Any("error", cerr))
		}
		p.metrics.Record(false, dur)
		observability.FailJob(string(job.Type), dur)
		return
	}
	p.metrics.Record(true, dur)
	observability.CompleteJob(string(job.Type), dur)
	slog.Info("job completed",
		slog.String("worker_id", p.id),
		slog.String("job_id", job.ID),
		slog.Int("items", summary.ItemsProcessed),
		slog.Int("images_stored", summary.ImagesStored),
		slog.Int("image_failures", summary.ImageFailures),
		slog.Int("discovered", summary.Discovered),
		slog.Int64("duration_ms", summary.DurationMS))
}

// runPipeline isolates handler panics; a panic fails the job like any other
// error instead of killing the consumer goroutine.
func (p *Pool) runPipeline(ctx domain.Context, job domain.Job) (summary domain.ResultSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked",
				slog.String("worker_id", p.id),
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", domain.ErrInternal, r)
		}
	}()
	return p.pipeline.Run(ctx, job)
}

func (p *Pool) fail(ctx domain.Context, job domain.Job, cause error, partial domain.ResultSummary, dur time.Duration) {
	status, err := p.queue.Fail(ctx, job.ID, p.id, cause.Error(), partial)
	p.metrics.Record(false, dur)
	observability.FailJob(string(job.Type), dur)
	if err != nil {
		if errors.Is(err, domain.ErrLostLease) {
			slog.Warn("lease lost before fail", slog.String("worker_id", p.id), slog.String("job_id", job.ID))
		} else {
			slog.Error("fail update failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}
	if status == domain.JobFailed {
		slog.Error("job dead-lettered",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.String("target_url", job.TargetURL),
			slog.Int("attempts", job.Attempts),
			slog.Any("error", cause))
		p.notifyTerminal(ctx, job, cause)
		return
	}
	slog.Warn("job attempt failed, requeued",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Any("error", cause))
}

func (p *Pool) notifyTerminal(ctx domain.Context, job domain.Job, cause error) {
	if p.notifier == nil {
		return
	}
	a := domain.Alert{
		Kind:    domain.AlertJobTerminalFailure,
		Message: fmt.Sprintf("job %s (%s) failed permanently after %d attempts", job.ID, job.Type, job.Attempts),
		Fields: map[string]any{
			"job_id":     job.ID,
			"type":       string(job.Type),
			"target_url": job.TargetURL,
			"attempts":   job.Attempts,
			"error":      cause.Error(),
		},
		At: time.Now().UTC(),
	}
	if err := p.notifier.Notify(ctx, a); err != nil {
		slog.Warn("terminal failure alert failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

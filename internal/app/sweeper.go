package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/foliosource/bindery/internal/domain"
)

// LeaseSweeper returns expired running jobs to the queue on a fixed cadence.
// Dequeue already skips dead leases, so the sweeper is not load-bearing for
// progress; it keeps queue counters honest and is the path that retires an
// expired job that is out of attempts.
type LeaseSweeper struct {
	queue    domain.JobQueue
	lockTTL  time.Duration
	interval time.Duration
}

func NewLeaseSweeper(queue domain.JobQueue, lockTTL, interval time.Duration) *LeaseSweeper {
	if queue == nil {
		return nil
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &LeaseSweeper{queue: queue, lockTTL: lockTTL, interval: interval}
}

func (s *LeaseSweeper) Run(ctx context.Context) {
	if s == nil || s.queue == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.sweeper")
	ctx, span := tracer.Start(ctx, "LeaseSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("queue.lock_ttl_seconds", s.lockTTL.Seconds()))

	n, err := s.queue.RequeueExpired(ctx, s.lockTTL)
	if err != nil {
		span.RecordError(err)
		slog.Error("lease sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Warn("requeued expired leases", slog.Int64("count", n), slog.Duration("lock_ttl", s.lockTTL))
	}
}

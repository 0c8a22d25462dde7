package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService deletes finished queue rows past their retention TTL.
type CleanupService struct {
	Queue *QueueRepo
	TTL   time.Duration
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(queue *QueueRepo, ttl time.Duration) *CleanupService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CleanupService{Queue: queue, TTL: ttl}
}

// CleanupOldData removes completed and failed jobs older than the TTL.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	deleted, err := s.Queue.PurgeFinished(ctx, s.TTL)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("queue cleanup completed",
			slog.Int64("deleted_jobs", deleted),
			slog.Duration("ttl", s.TTL),
		)
	}
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}

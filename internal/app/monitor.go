package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/worker"
)

// MonitorOptions tune the Monitor; zero values fall back to defaults.
type MonitorOptions struct {
	Interval time.Duration
	// MemoryHighWater is the heap-alloc threshold in bytes.
	MemoryHighWater uint64
	// ErrorRateThreshold is the failed/processed ratio, per window, that
	// raises an alert. Windows with fewer than MinWindowJobs finished jobs
	// are skipped.
	ErrorRateThreshold float64
	MinWindowJobs      int64
	// Cooldown suppresses repeats of the same alert kind.
	Cooldown time.Duration
}

// Monitor samples queue depth into Prometheus gauges and raises operator
// alerts for memory high-water and rolling error rate. Terminal job failures
// are alerted by the pool itself.
type Monitor struct {
	queue    domain.JobQueue
	metrics  *worker.Metrics
	notifier domain.Notifier
	opts     MonitorOptions

	last      worker.Snapshot
	lastAlert map[string]time.Time
}

func NewMonitor(queue domain.JobQueue, metrics *worker.Metrics, notifier domain.Notifier, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MemoryHighWater == 0 {
		opts.MemoryHighWater = 1 << 30 // 1 GiB
	}
	if opts.ErrorRateThreshold <= 0 {
		opts.ErrorRateThreshold = 0.5
	}
	if opts.MinWindowJobs <= 0 {
		opts.MinWindowJobs = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	return &Monitor{
		queue:     queue,
		metrics:   metrics,
		notifier:  notifier,
		opts:      opts,
		lastAlert: map[string]time.Time{},
	}
}

func (m *Monitor) Run(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.queue != nil {
		if stats, err := m.queue.Stats(ctx); err == nil {
			observability.SetQueueDepth("queued", stats.Queued)
			observability.SetQueueDepth("running", stats.Running)
			observability.SetQueueDepth("completed", stats.Completed)
			observability.SetQueueDepth("failed", stats.Failed)
			observability.SetQueueDepth("locked", stats.Locked)
		} else {
			slog.Warn("queue stats sample failed", slog.Any("error", err))
		}
	}

	m.checkMemory(ctx)
	m.checkErrorRate(ctx)
}

func (m *Monitor) checkMemory(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc < m.opts.MemoryHighWater {
		return
	}
	m.alert(ctx, domain.Alert{
		Kind:    domain.AlertMemoryHighWater,
		Message: fmt.Sprintf("heap alloc %d bytes exceeds high-water mark %d", ms.HeapAlloc, m.opts.MemoryHighWater),
		Fields: map[string]any{
			"heap_alloc_bytes": ms.HeapAlloc,
			"sys_bytes":        ms.Sys,
			"threshold_bytes":  m.opts.MemoryHighWater,
			"goroutines":       runtime.NumGoroutine(),
		},
	})
}

func (m *Monitor) checkErrorRate(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	cur := m.metrics.Snapshot()
	prev := m.last
	m.last = cur

	processed := cur.Processed - prev.Processed
	failed := cur.Failed - prev.Failed
	if processed < m.opts.MinWindowJobs {
		return
	}
	rate := float64(failed) / float64(processed)
	if rate < m.opts.ErrorRateThreshold {
		return
	}
	m.alert(ctx, domain.Alert{
		Kind:    domain.AlertErrorRate,
		Message: fmt.Sprintf("job error rate %.0f%% over the last window exceeds %.0f%%", rate*100, m.opts.ErrorRateThreshold*100),
		Fields: map[string]any{
			"window_processed": processed,
			"window_failed":    failed,
			"rate":             rate,
			"threshold":        m.opts.ErrorRateThreshold,
		},
	})
}

// alert delivers with per-kind cooldown so a sustained condition does not
// flood the webhook.
func (m *Monitor) alert(ctx context.Context, a domain.Alert) {
	now := time.Now()
	if last, ok := m.lastAlert[a.Kind]; ok && now.Sub(last) < m.opts.Cooldown {
		return
	}
	m.lastAlert[a.Kind] = now
	a.At = now.UTC()

	slog.Warn("monitor alert", slog.String("kind", a.Kind), slog.String("message", a.Message))
	if m.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.notifier.Notify(nctx, a); err != nil {
		slog.Warn("alert delivery failed", slog.String("kind", a.Kind), slog.Any("error", err))
	}
}

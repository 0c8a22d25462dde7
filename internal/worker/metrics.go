package worker

import (
	"sync/atomic"
	"time"
)

// Metrics counts pool outcomes. All fields are atomics so the hot path never
// takes a lock; Snapshot gives a consistent-enough read for status endpoints.
type Metrics struct {
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	totalMS   atomic.Int64
	lastUnix  atomic.Int64
}

// Record tallies one finished job.
func (m *Metrics) Record(ok bool, dur time.Duration) {
	m.processed.Add(1)
	if ok {
		m.succeeded.Add(1)
	} else {
		m.failed.Add(1)
	}
	m.totalMS.Add(dur.Milliseconds())
	m.lastUnix.Store(time.Now().Unix())
}

// Snapshot is a point-in-time view of pool throughput.
type Snapshot struct {
	Processed       int64      `json:"processed"`
	Succeeded       int64      `json:"succeeded"`
	Failed          int64      `json:"failed"`
	SuccessRate     float64    `json:"success_rate"`
	AvgDurationMS   int64      `json:"avg_duration_ms"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// Snapshot reads the counters. Rates and averages are derived here so the
// counters stay plain monotonic values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		Processed: m.processed.Load(),
		Succeeded: m.succeeded.Load(),
		Failed:    m.failed.Load(),
	}
	if s.Processed > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Processed)
		s.AvgDurationMS = m.totalMS.Load() / s.Processed
	}
	if unix := m.lastUnix.Load(); unix > 0 {
		t := time.Unix(unix, 0).UTC()
		s.LastProcessedAt = &t
	}
	return s
}

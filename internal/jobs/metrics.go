package jobs

import "sync/atomic"

// Metrics tracks process-lifetime job counters.
type Metrics struct {
	active    atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Active    int64 `json:"active_jobs"`
	Queued    int64 `json:"queued_jobs"`
	Completed int64 `json:"completed_jobs"`
	Failed    int64 `json:"failed_jobs"`
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Active:    m.active.Load(),
		Queued:    m.queued.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
	}
}

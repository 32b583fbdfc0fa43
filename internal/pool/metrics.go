package pool

import (
	"time"
)

// MetricsSnapshot is a point-in-time view of pool health.
type MetricsSnapshot struct {
	// Timestamp is when the snapshot was taken
	Timestamp time.Time `json:"timestamp"`
	// TotalTasks is the number of tasks ever submitted
	TotalTasks int64 `json:"total_tasks"`
	// CompletedTasks is the number of tasks that finished successfully
	CompletedTasks int64 `json:"completed_tasks"`
	// FailedTasks is the number of tasks that exhausted retries and failed
	FailedTasks int64 `json:"failed_tasks"`
	// CancelledTasks is the number of tasks cancelled by callers
	CancelledTasks int64 `json:"cancelled_tasks"`
	// QueuedTasks is the current queue depth
	QueuedTasks int `json:"queued_tasks"`
	// ActiveTasks is the number of tasks currently executing
	ActiveTasks int `json:"active_tasks"`
	// WorkerCount is the current pool size
	WorkerCount int `json:"worker_count"`
	// BusyWorkers is the number of workers executing a task
	BusyWorkers int `json:"busy_workers"`
	// UtilizationRate is busy workers over total workers (0..1)
	UtilizationRate float64 `json:"utilization_rate"`
	// ErrorRate is failed tasks over total submitted (0..1)
	ErrorRate float64 `json:"error_rate"`
	// Throughput is completed tasks per second since the previous snapshot
	Throughput float64 `json:"throughput"`
}

// metricsHistory keeps a bounded sliding window of snapshots for later
// graphing, oldest dropped first.
type metricsHistory struct {
	snapshots []MetricsSnapshot
	limit     int

	lastSampleAt  time.Time
	lastCompleted int64
}

func newMetricsHistory(limit int) *metricsHistory {
	if limit <= 0 {
		limit = 100
	}
	return &metricsHistory{limit: limit}
}

// record appends a snapshot, computing throughput against the previous
// sample, and trims the window.
func (h *metricsHistory) record(snap MetricsSnapshot) MetricsSnapshot {
	now := snap.Timestamp
	if !h.lastSampleAt.IsZero() {
		elapsed := now.Sub(h.lastSampleAt).Seconds()
		if elapsed > 0 {
			snap.Throughput = float64(snap.CompletedTasks-h.lastCompleted) / elapsed
		}
	}
	h.lastSampleAt = now
	h.lastCompleted = snap.CompletedTasks

	h.snapshots = append(h.snapshots, snap)
	if len(h.snapshots) > h.limit {
		h.snapshots = h.snapshots[len(h.snapshots)-h.limit:]
	}
	return snap
}

// window returns a copy of the recorded snapshots, oldest first.
func (h *metricsHistory) window() []MetricsSnapshot {
	out := make([]MetricsSnapshot, len(h.snapshots))
	copy(out, h.snapshots)
	return out
}

package events

import (
	"time"
)

// EventType represents the type of event that occurred inside the engine.
type EventType string

const (
	// Task lifecycle events
	// EventTypeTaskQueued indicates a task was accepted and placed in the queue
	EventTypeTaskQueued EventType = "task_queued"
	// EventTypeTaskStarted indicates a worker began executing a task
	EventTypeTaskStarted EventType = "task_started"
	// EventTypeTaskCompleted indicates a task finished successfully
	EventTypeTaskCompleted EventType = "task_completed"
	// EventTypeTaskFailed indicates a task exhausted its retries and failed
	EventTypeTaskFailed EventType = "task_failed"
	// EventTypeTaskRetried indicates a failed task was re-queued for another attempt
	EventTypeTaskRetried EventType = "task_retried"
	// EventTypeTaskCancelled indicates a task was cancelled by the caller
	EventTypeTaskCancelled EventType = "task_cancelled"
	// EventTypeTaskTimeout indicates a task exceeded its execution deadline
	EventTypeTaskTimeout EventType = "task_timeout"

	// Pool scaling events
	// EventTypeWorkerAdded indicates the pool scaled up by one worker
	EventTypeWorkerAdded EventType = "worker_added"
	// EventTypeWorkerRemoved indicates the pool scaled down by one worker
	EventTypeWorkerRemoved EventType = "worker_removed"
	// EventTypePoolMetrics indicates a periodic pool metrics snapshot
	EventTypePoolMetrics EventType = "pool_metrics"

	// Cache events
	// EventTypeCacheHit indicates a lookup was served from a cache tier
	EventTypeCacheHit EventType = "cache_hit"
	// EventTypeCacheMiss indicates a lookup found nothing in any tier
	EventTypeCacheMiss EventType = "cache_miss"
	// EventTypeCacheStaleHit indicates an expired entry was served within its stale window
	EventTypeCacheStaleHit EventType = "cache_stale_hit"
	// EventTypeCacheEviction indicates an entry was evicted to make room
	EventTypeCacheEviction EventType = "cache_eviction"
	// EventTypeCacheCompression indicates a value was stored compressed
	EventTypeCacheCompression EventType = "cache_compression"

	// Incremental analysis events
	// EventTypeScopeAnalyzed indicates one scope was re-analyzed
	EventTypeScopeAnalyzed EventType = "scope_analyzed"
	// EventTypeScopeFailed indicates one scope's analyzer callback failed
	EventTypeScopeFailed EventType = "scope_failed"
	// EventTypeDocumentInvalidated indicates cached document state was discarded
	EventTypeDocumentInvalidated EventType = "document_invalidated"

	// Streaming events
	// EventTypeSubscriberError indicates a stream subscriber's handler failed
	EventTypeSubscriberError EventType = "subscriber_error"
	// EventTypeStreamDrain indicates backpressure released back to normal flow
	EventTypeStreamDrain EventType = "stream_drain"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
)

// EngineEvent represents a state change inside one of the engine subsystems.
// Events are delivered to bus subscribers for rendering, logging, or metrics.
type EngineEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}

// TaskEventData carries task lifecycle details.
type TaskEventData struct {
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	Priority   string `json:"priority"`
	WorkerID   string `json:"worker_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CacheEventData carries cache operation details.
type CacheEventData struct {
	Key          string `json:"key"`
	Tier         string `json:"tier,omitempty"`
	Policy       string `json:"policy,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	SavedBytes   int64  `json:"saved_bytes,omitempty"`
	EvictedCount int    `json:"evicted_count,omitempty"`
}

// ScopeEventData carries incremental analysis details.
type ScopeEventData struct {
	URI        string `json:"uri"`
	ScopeName  string `json:"scope_name,omitempty"`
	ScopeType  string `json:"scope_type,omitempty"`
	IssueCount int    `json:"issue_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

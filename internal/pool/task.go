package pool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors surfaced through task handles and submission calls.
var (
	// ErrQueueSaturated is returned by Submit when the queue is at capacity.
	ErrQueueSaturated = errors.New("task queue is at capacity")
	// ErrPoolShutdown is returned when submitting to a pool that is shutting down.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrNoExecutor is surfaced through a task's failure path when no executor
	// is registered for its type.
	ErrNoExecutor = errors.New("no executor registered for task type")
	// ErrTaskCancelled is surfaced through a task's handle when it is cancelled.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskNotFound is returned by Cancel for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskTimeoutError indicates an executor exceeded its deadline. It is a
// retryable failure, distinguished from ordinary execution errors for
// observability.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// TaskPriority orders tasks for dispatch. Lower values dispatch first.
type TaskPriority int

const (
	// PriorityUnset is the zero value; submissions default it to PriorityNormal.
	PriorityUnset TaskPriority = iota
	PriorityCritical
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	numPriorities = int(PriorityBackground)
)

// String returns the lowercase name of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// IsValid checks if the priority value is valid
func (p TaskPriority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority converts a configuration string into a TaskPriority.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Executor runs one task's payload. Registered per task type before any task
// of that type is dispatched.
type Executor func(ctx context.Context, payload interface{}) (interface{}, error)

// Task is a unit of schedulable work. All mutable fields are guarded by the
// owning pool's lock; callers observe results through the TaskHandle instead
// of reading the task directly.
type Task struct {
	ID          string
	Type        string
	Priority    TaskPriority
	Payload     interface{}
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	RetryCount  int
	MaxRetries  int
	Timeout     time.Duration
	WorkerID    string

	result interface{}
	err    error
	done   chan struct{}
}

// TaskHandle is the caller's view of a submitted task.
type TaskHandle struct {
	task *Task
}

// ID returns the task's unique identifier.
func (h *TaskHandle) ID() string { return h.task.ID }

// Done returns a channel closed when the task reaches a terminal state.
func (h *TaskHandle) Done() <-chan struct{} { return h.task.done }

// Wait blocks until the task completes, fails, or the context is done.
func (h *TaskHandle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.task.done:
		return h.task.result, h.task.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitOptions tunes a single submission. An unset Priority or Timeout
// falls back to the pool default; MaxRetries is an explicit budget, where
// zero disables retries for the task and only -1 inherits the pool
// default.
type SubmitOptions struct {
	// Priority defaults to PriorityNormal.
	Priority TaskPriority
	// Timeout overrides the pool's default task timeout when positive.
	Timeout time.Duration
	// MaxRetries overrides the pool's default retry budget when non-negative.
	// Zero means no retries; use -1 to inherit the pool default.
	MaxRetries int
}

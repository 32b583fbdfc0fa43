package pool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WorkerStatus represents the current state of a virtual worker
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerTerminated WorkerStatus = "terminated"
)

// WorkerStats holds cumulative counters for one worker.
type WorkerStats struct {
	TasksCompleted      int
	TasksFailed         int
	TotalProcessingTime time.Duration
}

// VirtualWorker is a logical execution slot. It runs at most one task at a
// time; the pool multiplexes worker goroutines over the shared queue. A
// terminated worker never executes again.
type VirtualWorker struct {
	id          string
	status      WorkerStatus
	stats       WorkerStats
	currentTask *Task
}

func newVirtualWorker(id string) *VirtualWorker {
	return &VirtualWorker{
		id:     id,
		status: WorkerIdle,
	}
}

// ID returns the worker's identifier.
func (w *VirtualWorker) ID() string { return w.id }

// Status returns the worker's current status. Only meaningful under the
// pool's lock.
func (w *VirtualWorker) Status() WorkerStatus { return w.status }

// Stats returns a copy of the worker's cumulative counters.
func (w *VirtualWorker) Stats() WorkerStats { return w.stats }

// execute runs the task's executor with timeout enforcement. The executor
// runs on its own goroutine so a hung executor cannot wedge the worker's
// dispatch path past the deadline; a timed-out executor's late result is
// discarded. Panics inside the executor are converted to task failures.
func (w *VirtualWorker) execute(ctx context.Context, task *Task, exec Executor) (interface{}, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, task.Type)
	}

	execCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		result, err := exec(execCtx, task.Payload)
		resultCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, &TaskTimeoutError{TaskID: task.ID, Timeout: task.Timeout}
		}
		return nil, execCtx.Err()
	}
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codesweep/codesweep/internal/events"
)

// Config holds worker pool configuration
type Config struct {
	// MinWorkers is the number of workers created at startup. Default: 2
	MinWorkers int `yaml:"min_workers"`
	// MaxWorkers bounds auto-scaling. Default: 8
	MaxWorkers int `yaml:"max_workers"`
	// MaxQueueSize caps the number of queued tasks; submissions beyond it
	// are rejected. Default: 1000
	MaxQueueSize int `yaml:"max_queue_size"`
	// TaskTimeout is the default per-task execution deadline. Default: 30s
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// MaxRetries is the default retry budget per task. Default: 2
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base delay before re-queueing a failed task; the
	// actual delay is RetryDelay * retryCount (linear backoff). Default: 1s
	RetryDelay time.Duration `yaml:"retry_delay"`
	// EnableRetries turns retry-on-failure on. Default: true
	EnableRetries bool `yaml:"enable_retries"`
	// EnableAutoScaling turns utilization-based scaling on. Default: true
	EnableAutoScaling bool `yaml:"enable_auto_scaling"`
	// ScaleUpThreshold is the busy/total utilization ratio at which the pool
	// grows; it shrinks below half this value. Default: 0.8
	ScaleUpThreshold float64 `yaml:"scale_up_threshold"`
	// SchedulerInterval is the dispatch tick. Default: 10ms
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	// MetricsInterval is the snapshot period; zero disables collection.
	// Default: 5s
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	// MetricsHistoryLimit bounds the snapshot window. Default: 100
	MetricsHistoryLimit int `yaml:"metrics_history_limit"`
	// ShutdownGracePeriod bounds the drain wait during Shutdown. Default: 5s
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// DefaultConfig returns default pool configuration
func DefaultConfig() *Config {
	return &Config{
		MinWorkers:          2,
		MaxWorkers:          8,
		MaxQueueSize:        1000,
		TaskTimeout:         30 * time.Second,
		MaxRetries:          2,
		RetryDelay:          time.Second,
		EnableRetries:       true,
		EnableAutoScaling:   true,
		ScaleUpThreshold:    0.8,
		SchedulerInterval:   10 * time.Millisecond,
		MetricsInterval:     5 * time.Second,
		MetricsHistoryLimit: 100,
		ShutdownGracePeriod: 5 * time.Second,
	}
}

// normalize fills zero fields with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		c.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = def.SchedulerInterval
	}
	if c.MetricsHistoryLimit <= 0 {
		c.MetricsHistoryLimit = def.MetricsHistoryLimit
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = def.ShutdownGracePeriod
	}
}

// WorkerPool schedules tasks across a pool of virtual workers with priority
// dispatch, retry with linear backoff, utilization-based auto-scaling, and
// periodic metrics collection.
//
// Workers are logical execution slots, not OS threads: each dispatched task
// runs on its own goroutine, but a worker holds at most one task at a time,
// so the pool's value is scheduling policy rather than raw parallelism.
type WorkerPool struct {
	cfg    *Config
	logger *slog.Logger
	bus    *events.Bus

	mu          sync.Mutex
	queue       *PriorityTaskQueue
	workers     map[string]*VirtualWorker
	executors   map[string]Executor
	active      map[string]*Task
	completed   map[string]*Task
	order       []string // completed task IDs, oldest first, for retention trimming
	retryTimers map[string]*time.Timer
	// pendingRetry holds tasks waiting out a retry backoff; they are in
	// neither the queue nor the active map until the timer fires.
	pendingRetry map[string]*Task
	workerSeq    int

	totalTasks     int64
	completedTasks int64
	failedTasks    int64
	cancelledTasks int64

	history *metricsHistory

	running      bool
	shuttingDown bool
	stopCh       chan struct{}
	execCtx      context.Context
	execCancel   context.CancelFunc
	loopWG       sync.WaitGroup
	taskWG       sync.WaitGroup
}

// completedRetention bounds the completed-task map so long-lived pools do
// not grow without bound.
const completedRetention = 1000

// NewWorkerPool creates a pool. A nil config uses defaults; a nil bus
// disables event emission; a nil logger discards logs. Call Start before
// submitting tasks.
func NewWorkerPool(cfg *Config, bus *events.Bus, logger *slog.Logger) *WorkerPool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WorkerPool{
		cfg:          cfg,
		logger:       logger,
		bus:          bus,
		queue:        NewPriorityTaskQueue(),
		workers:      make(map[string]*VirtualWorker),
		executors:    make(map[string]Executor),
		active:       make(map[string]*Task),
		completed:    make(map[string]*Task),
		retryTimers:  make(map[string]*time.Timer),
		pendingRetry: make(map[string]*Task),
		history:      newMetricsHistory(cfg.MetricsHistoryLimit),
	}
}

// Start creates the minimum worker set and begins the scheduling loop and,
// when configured, periodic metrics collection.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.execCtx, p.execCancel = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.addWorkerLocked()
	}

	p.loopWG.Add(1)
	go p.schedulerLoop()

	if p.cfg.MetricsInterval > 0 {
		p.loopWG.Add(1)
		go p.metricsLoop()
	}

	p.logger.Debug("worker pool started",
		"min_workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers)
	return nil
}

// RegisterExecutor associates an executor with a task type. Must be called
// before tasks of that type are dispatched; dispatching without one fails
// the task with ErrNoExecutor.
func (p *WorkerPool) RegisterExecutor(taskType string, exec Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executors[taskType] = exec
}

// Submit queues a task and returns a handle resolved when it completes.
// Rejects immediately with ErrQueueSaturated when the queue is full and
// ErrPoolShutdown when the pool is stopped or stopping.
func (p *WorkerPool) Submit(taskType string, payload interface{}, opts *SubmitOptions) (*TaskHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.shuttingDown {
		return nil, ErrPoolShutdown
	}
	if p.queue.Size() >= p.cfg.MaxQueueSize {
		return nil, fmt.Errorf("%w (max %d)", ErrQueueSaturated, p.cfg.MaxQueueSize)
	}

	task := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Priority:   PriorityNormal,
		Payload:    payload,
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
		MaxRetries: p.cfg.MaxRetries,
		Timeout:    p.cfg.TaskTimeout,
		done:       make(chan struct{}),
	}
	if opts != nil {
		if opts.Priority.IsValid() {
			task.Priority = opts.Priority
		}
		if opts.Timeout > 0 {
			task.Timeout = opts.Timeout
		}
		if opts.MaxRetries >= 0 {
			task.MaxRetries = opts.MaxRetries
		}
	}

	p.queue.Enqueue(task)
	p.totalTasks++
	p.emitTaskEvent(events.EventTypeTaskQueued, events.SeverityInfo, "task queued", task, 0)
	return &TaskHandle{task: task}, nil
}

// BatchProgress reports per-item completion during SubmitBatch.
type BatchProgress func(completed, total int)

// SubmitBatch submits each payload independently and waits for all of them.
// If any sub-task fails, the aggregate call returns an error with a summary
// count and the per-item results of successful tasks are discarded. This
// all-or-nothing surface is a documented limitation of the batch API, not a
// silent drop: callers needing partial results should Submit individually.
func (p *WorkerPool) SubmitBatch(ctx context.Context, taskType string, payloads []interface{}, opts *SubmitOptions, progress BatchProgress) ([]interface{}, error) {
	handles := make([]*TaskHandle, len(payloads))
	for i, payload := range payloads {
		h, err := p.Submit(taskType, payload, opts)
		if err != nil {
			return nil, fmt.Errorf("batch submission failed at item %d: %w", i, err)
		}
		handles[i] = h
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		results   = make([]interface{}, len(handles))
		failed    int
		completed int
	)
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h *TaskHandle) {
			defer wg.Done()
			result, err := h.Wait(ctx)
			mu.Lock()
			completed++
			done := completed
			if err != nil {
				failed++
			} else {
				results[i] = result
			}
			mu.Unlock()
			if progress != nil {
				progress(done, len(handles))
			}
		}(i, h)
	}
	wg.Wait()

	if failed > 0 {
		return nil, fmt.Errorf("batch failed: %d of %d tasks failed", failed, len(handles))
	}
	return results, nil
}

// Cancel removes a queued task or flags a running one. Cancelling a running
// task is best-effort: the executor is not interrupted, and its eventual
// completion is a no-op from the caller's perspective.
func (p *WorkerPool) Cancel(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if task := p.queue.Take(taskID); task != nil {
		// Removed cleanly before dispatch.
		p.resolveLocked(task, nil, ErrTaskCancelled, StatusCancelled)
		return nil
	}

	if timer, ok := p.retryTimers[taskID]; ok {
		timer.Stop()
		delete(p.retryTimers, taskID)
		if task, ok := p.pendingRetry[taskID]; ok {
			delete(p.pendingRetry, taskID)
			p.resolveLocked(task, nil, ErrTaskCancelled, StatusCancelled)
		}
		return nil
	}

	if task, ok := p.active[taskID]; ok {
		if task.Status.IsTerminal() {
			return nil
		}
		task.Status = StatusCancelled
		task.err = ErrTaskCancelled
		p.cancelledTasks++
		close(task.done)
		p.emitTaskEvent(events.EventTypeTaskCancelled, events.SeverityWarning, "running task cancelled (best effort)", task, 0)
		return nil
	}

	if _, ok := p.completed[taskID]; ok {
		return nil
	}
	return ErrTaskNotFound
}

// Shutdown stops the scheduling and metrics loops, waits up to the grace
// period for active tasks to drain, then force-terminates workers and clears
// internal state. Pending retries are cancelled; no timers are left behind.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	close(p.stopCh)

	for id, timer := range p.retryTimers {
		timer.Stop()
		delete(p.retryTimers, id)
		if task, ok := p.pendingRetry[id]; ok {
			delete(p.pendingRetry, id)
			p.resolveLocked(task, nil, ErrPoolShutdown, StatusCancelled)
		}
	}
	// Reject everything still queued.
	for task := p.queue.Dequeue(); task != nil; task = p.queue.Dequeue() {
		p.resolveLocked(task, nil, ErrPoolShutdown, StatusCancelled)
	}
	grace := p.cfg.ShutdownGracePeriod
	p.mu.Unlock()

	// Bounded drain wait for in-flight tasks.
	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		activeCount := len(p.active)
		p.mu.Unlock()
		if activeCount == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Force-terminate whatever is left.
	p.execCancel()
	p.taskWG.Wait()
	p.loopWG.Wait()

	p.mu.Lock()
	for _, w := range p.workers {
		w.status = WorkerTerminated
	}
	p.workers = make(map[string]*VirtualWorker)
	p.active = make(map[string]*Task)
	p.running = false
	p.shuttingDown = false
	p.mu.Unlock()

	p.logger.Debug("worker pool shut down")
	return nil
}

// schedulerLoop dispatches queued tasks to idle workers on a fixed tick and
// evaluates the auto-scaling policy. Individual task failures never stop
// this loop.
func (p *WorkerPool) schedulerLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// dispatch assigns queued tasks to idle workers in priority order, then
// applies scaling.
func (p *WorkerPool) dispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown {
		return
	}

	for {
		worker := p.idleWorkerLocked()
		if worker == nil {
			break
		}
		task := p.queue.Dequeue()
		if task == nil {
			break
		}
		p.assignLocked(worker, task)
	}

	if p.cfg.EnableAutoScaling {
		p.autoScaleLocked()
	}
}

// assignLocked hands one task to one worker and launches its execution.
func (p *WorkerPool) assignLocked(worker *VirtualWorker, task *Task) {
	exec := p.executors[task.Type]
	if exec == nil {
		// Unregistered executor: immediate task failure, never a pool crash.
		p.resolveLocked(task, nil, fmt.Errorf("%w: %s", ErrNoExecutor, task.Type), StatusFailed)
		return
	}

	worker.status = WorkerBusy
	worker.currentTask = task
	task.Status = StatusRunning
	task.StartedAt = time.Now()
	task.WorkerID = worker.id
	p.active[task.ID] = task
	p.emitTaskEvent(events.EventTypeTaskStarted, events.SeverityInfo, "task started", task, 0)

	p.taskWG.Add(1)
	go func() {
		defer p.taskWG.Done()
		result, err := worker.execute(p.execCtx, task, exec)
		p.finishTask(worker, task, result, err)
	}()
}

// finishTask records the outcome of one execution and applies retry policy.
func (p *WorkerPool) finishTask(worker *VirtualWorker, task *Task, result interface{}, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(task.StartedAt)
	delete(p.active, task.ID)
	if worker.status != WorkerTerminated {
		worker.status = WorkerIdle
	}
	worker.currentTask = nil
	worker.stats.TotalProcessingTime += elapsed

	// A task cancelled mid-flight was already resolved; late completion is
	// a no-op beyond worker bookkeeping.
	if task.Status == StatusCancelled {
		p.rememberLocked(task)
		return
	}

	if err == nil {
		worker.stats.TasksCompleted++
		p.completedTasks++
		p.resolveLocked(task, result, nil, StatusCompleted)
		return
	}

	worker.stats.TasksFailed++

	var timeoutErr *TaskTimeoutError
	isTimeout := errors.As(err, &timeoutErr)
	if isTimeout {
		p.emitTaskEvent(events.EventTypeTaskTimeout, events.SeverityWarning, err.Error(), task, 0)
	}

	if p.cfg.EnableRetries && task.RetryCount < task.MaxRetries && !p.shuttingDown {
		task.RetryCount++
		task.Status = StatusQueued
		delay := p.cfg.RetryDelay * time.Duration(task.RetryCount)
		p.emitTaskEvent(events.EventTypeTaskRetried, events.SeverityWarning,
			fmt.Sprintf("retrying in %s: %v", delay, err), task, 0)
		p.scheduleRetryLocked(task, delay)
		return
	}

	status := StatusFailed
	if isTimeout {
		status = StatusTimeout
	}
	p.failedTasks++
	p.resolveLocked(task, nil, err, status)
}

// scheduleRetryLocked re-queues the task after a linear backoff delay.
func (p *WorkerPool) scheduleRetryLocked(task *Task, delay time.Duration) {
	p.pendingRetry[task.ID] = task
	p.retryTimers[task.ID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.retryTimers, task.ID)
		if _, ok := p.pendingRetry[task.ID]; !ok {
			return // cancelled or shut down while waiting
		}
		delete(p.pendingRetry, task.ID)
		if p.shuttingDown || !p.running {
			p.resolveLocked(task, nil, ErrPoolShutdown, StatusCancelled)
			return
		}
		p.queue.Enqueue(task)
	})
}

// resolveLocked moves a task to a terminal state and wakes its handle.
func (p *WorkerPool) resolveLocked(task *Task, result interface{}, err error, status TaskStatus) {
	if task.Status.IsTerminal() {
		return
	}
	task.Status = status
	task.CompletedAt = time.Now()
	task.result = result
	task.err = err
	close(task.done)
	p.rememberLocked(task)

	switch status {
	case StatusCompleted:
		p.emitTaskEvent(events.EventTypeTaskCompleted, events.SeverityInfo, "task completed", task, task.CompletedAt.Sub(task.StartedAt).Milliseconds())
	case StatusCancelled:
		p.cancelledTasks++
		p.emitTaskEvent(events.EventTypeTaskCancelled, events.SeverityWarning, "task cancelled", task, 0)
	default:
		msg := "task failed"
		if err != nil {
			msg = err.Error()
		}
		p.emitTaskEvent(events.EventTypeTaskFailed, events.SeverityError, msg, task, 0)
	}
}

// rememberLocked records a finished task, trimming old entries.
func (p *WorkerPool) rememberLocked(task *Task) {
	if _, ok := p.completed[task.ID]; ok {
		return
	}
	p.completed[task.ID] = task
	p.order = append(p.order, task.ID)
	for len(p.order) > completedRetention {
		delete(p.completed, p.order[0])
		p.order = p.order[1:]
	}
}

// autoScaleLocked grows the pool when saturated and shrinks it when idle.
// Only idle workers are ever removed.
func (p *WorkerPool) autoScaleLocked() {
	total := len(p.workers)
	if total == 0 {
		return
	}
	busy := 0
	for _, w := range p.workers {
		if w.status == WorkerBusy {
			busy++
		}
	}
	utilization := float64(busy) / float64(total)

	if !p.queue.IsEmpty() && busy == total && utilization >= p.cfg.ScaleUpThreshold && total < p.cfg.MaxWorkers {
		w := p.addWorkerLocked()
		p.logger.Debug("scaled up", "worker", w.id, "utilization", utilization)
		return
	}

	if utilization < p.cfg.ScaleUpThreshold/2 && total > p.cfg.MinWorkers {
		for id, w := range p.workers {
			if w.status == WorkerIdle {
				w.status = WorkerTerminated
				delete(p.workers, id)
				p.bus.Emit(events.NewEvent(events.EventTypeWorkerRemoved, events.SeverityInfo,
					fmt.Sprintf("worker %s removed (utilization %.2f)", id, utilization)))
				break
			}
		}
	}
}

// addWorkerLocked creates one worker and announces it.
func (p *WorkerPool) addWorkerLocked() *VirtualWorker {
	p.workerSeq++
	w := newVirtualWorker(fmt.Sprintf("worker-%d", p.workerSeq))
	p.workers[w.id] = w
	p.bus.Emit(events.NewEvent(events.EventTypeWorkerAdded, events.SeverityInfo,
		fmt.Sprintf("worker %s added", w.id)))
	return w
}

// idleWorkerLocked returns any idle worker, or nil.
func (p *WorkerPool) idleWorkerLocked() *VirtualWorker {
	for _, w := range p.workers {
		if w.status == WorkerIdle {
			return w
		}
	}
	return nil
}

// metricsLoop records snapshots at the configured interval.
func (p *WorkerPool) metricsLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			snap := p.Snapshot()
			p.bus.Emit(events.NewEvent(events.EventTypePoolMetrics, events.SeverityInfo,
				fmt.Sprintf("pool: %d queued, %d active, %.0f%% utilized",
					snap.QueuedTasks, snap.ActiveTasks, snap.UtilizationRate*100)))
		}
	}
}

// Snapshot takes and records a metrics snapshot.
func (p *WorkerPool) Snapshot() MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, w := range p.workers {
		if w.status == WorkerBusy {
			busy++
		}
	}
	snap := MetricsSnapshot{
		Timestamp:      time.Now(),
		TotalTasks:     p.totalTasks,
		CompletedTasks: p.completedTasks,
		FailedTasks:    p.failedTasks,
		CancelledTasks: p.cancelledTasks,
		QueuedTasks:    p.queue.Size(),
		ActiveTasks:    len(p.active),
		WorkerCount:    len(p.workers),
		BusyWorkers:    busy,
	}
	if snap.WorkerCount > 0 {
		snap.UtilizationRate = float64(busy) / float64(snap.WorkerCount)
	}
	if snap.TotalTasks > 0 {
		snap.ErrorRate = float64(snap.FailedTasks) / float64(snap.TotalTasks)
	}
	return p.history.record(snap)
}

// History returns the bounded window of recorded snapshots, oldest first.
func (p *WorkerPool) History() []MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.window()
}

// QueueSize returns the current queue depth.
func (p *WorkerPool) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size()
}

// WorkerCount returns the current number of workers.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// GetTask returns a finished or in-flight task by ID, or nil.
func (p *WorkerPool) GetTask(taskID string) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task, ok := p.active[taskID]; ok {
		return task
	}
	if task, ok := p.completed[taskID]; ok {
		return task
	}
	return nil
}

// emitTaskEvent publishes a task lifecycle event, best effort.
func (p *WorkerPool) emitTaskEvent(eventType events.EventType, severity events.EventSeverity, message string, task *Task, durationMS int64) {
	if p.bus == nil {
		return
	}
	errMsg := ""
	if task.err != nil {
		errMsg = task.err.Error()
	}
	evt, err := events.NewTaskEvent(eventType, severity, message, events.TaskEventData{
		TaskID:     task.ID,
		TaskType:   task.Type,
		Priority:   task.Priority.String(),
		WorkerID:   task.WorkerID,
		RetryCount: task.RetryCount,
		DurationMS: durationMS,
		Error:      errMsg,
	})
	if err != nil {
		p.logger.Warn("failed to build task event", "error", err)
		return
	}
	p.bus.Emit(evt)
}

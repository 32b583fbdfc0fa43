package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a pool config tuned for fast tests.
func testConfig() *Config {
	return &Config{
		MinWorkers:          1,
		MaxWorkers:          2,
		MaxQueueSize:        100,
		TaskTimeout:         2 * time.Second,
		MaxRetries:          0,
		RetryDelay:          10 * time.Millisecond,
		EnableRetries:       true,
		EnableAutoScaling:   false,
		ScaleUpThreshold:    0.8,
		SchedulerInterval:   5 * time.Millisecond,
		MetricsInterval:     time.Hour,
		MetricsHistoryLimit: 10,
		ShutdownGracePeriod: time.Second,
	}
}

func startPool(t *testing.T, cfg *Config) *WorkerPool {
	t.Helper()
	p := NewWorkerPool(cfg, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestSubmitAndComplete(t *testing.T) {
	p := startPool(t, testConfig())
	p.RegisterExecutor("echo", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return payload, nil
	})

	h, err := p.Submit("echo", "hello", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %v, want hello", result)
	}

	task := p.GetTask(h.ID())
	if task == nil || task.Status != StatusCompleted {
		t.Errorf("task status = %v, want completed", task)
	}
}

// Five tasks with mixed priorities on a single worker must complete in
// strict priority order, submission order within a level.
func TestPriorityCompletionOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	cfg.SchedulerInterval = 25 * time.Millisecond
	p := startPool(t, cfg)

	var mu sync.Mutex
	var order []int
	p.RegisterExecutor("file_analysis", func(ctx context.Context, payload interface{}) (interface{}, error) {
		mu.Lock()
		order = append(order, payload.(int))
		mu.Unlock()
		return payload, nil
	})

	priorities := []TaskPriority{PriorityLow, PriorityCritical, PriorityNormal, PriorityCritical, PriorityHigh}
	handles := make([]*TaskHandle, len(priorities))
	for i, prio := range priorities {
		h, err := p.Submit("file_analysis", i, &SubmitOptions{Priority: prio, MaxRetries: -1})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		handles[i] = h
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("task %d failed: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 3, 4, 2, 0}
	if len(order) != len(want) {
		t.Fatalf("completed %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", order, want)
		}
	}
}

func TestQueueSaturation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	cfg.SchedulerInterval = time.Hour // keep tasks queued
	p := startPool(t, cfg)
	p.RegisterExecutor("noop", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, nil
	})

	for i := 0; i < 2; i++ {
		if _, err := p.Submit("noop", i, nil); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	_, err := p.Submit("noop", 2, nil)
	if !errors.Is(err, ErrQueueSaturated) {
		t.Errorf("Submit beyond capacity = %v, want ErrQueueSaturated", err)
	}
	if p.QueueSize() != 2 {
		t.Errorf("queue size after rejection = %d, want 2", p.QueueSize())
	}
}

func TestRetryWithBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	p := startPool(t, cfg)

	var mu sync.Mutex
	attempts := 0
	p.RegisterExecutor("flaky", func(ctx context.Context, payload interface{}) (interface{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, fmt.Errorf("transient failure %d", n)
		}
		return "recovered", nil
	})

	h, err := p.Submit("flaky", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %v, want recovered", result)
	}

	task := p.GetTask(h.ID())
	if task.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", task.RetryCount)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	p := startPool(t, cfg)

	execErr := errors.New("permanent failure")
	p.RegisterExecutor("broken", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, execErr
	})

	h, err := p.Submit("broken", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, execErr) {
		t.Errorf("Wait error = %v, want wrapped %v", err, execErr)
	}

	task := p.GetTask(h.ID())
	if task.Status != StatusFailed {
		t.Errorf("task status = %s, want failed", task.Status)
	}
}

func TestTaskTimeout(t *testing.T) {
	p := startPool(t, testConfig())
	p.RegisterExecutor("slow", func(ctx context.Context, payload interface{}) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	h, err := p.Submit("slow", nil, &SubmitOptions{Timeout: 20 * time.Millisecond, MaxRetries: 0})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)

	var timeoutErr *TaskTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Wait error = %v, want TaskTimeoutError", err)
	}
	if task := p.GetTask(h.ID()); task.Status != StatusTimeout {
		t.Errorf("task status = %s, want timeout", task.Status)
	}
}

func TestUnregisteredExecutor(t *testing.T) {
	p := startPool(t, testConfig())

	h, err := p.Submit("unknown_type", nil, nil)
	if err != nil {
		t.Fatalf("Submit should accept the task: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, ErrNoExecutor) {
		t.Errorf("Wait error = %v, want ErrNoExecutor", err)
	}

	// The pool must keep scheduling registered types afterwards.
	p.RegisterExecutor("echo", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return payload, nil
	})
	h2, err := p.Submit("echo", 42, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	result, err := h2.Wait(ctx)
	if err != nil || result != 42 {
		t.Errorf("Wait = (%v, %v), want (42, nil)", result, err)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testConfig()
	cfg.SchedulerInterval = time.Hour
	p := startPool(t, cfg)
	p.RegisterExecutor("noop", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, nil
	})

	h, err := p.Submit("noop", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("Wait error = %v, want ErrTaskCancelled", err)
	}
	if p.QueueSize() != 0 {
		t.Errorf("queue size = %d, want 0", p.QueueSize())
	}

	if err := p.Cancel("no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrTaskNotFound", err)
	}
}

func TestCancelRunningTaskIsBestEffort(t *testing.T) {
	p := startPool(t, testConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	p.RegisterExecutor("blocking", func(ctx context.Context, payload interface{}) (interface{}, error) {
		close(started)
		<-release
		return "finished anyway", nil
	})

	h, err := p.Submit("blocking", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := p.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.Wait(ctx)
	if !errors.Is(err, ErrTaskCancelled) {
		t.Errorf("Wait error = %v, want ErrTaskCancelled", err)
	}

	// Let the executor finish; its late result must be discarded.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if task := p.GetTask(h.ID()); task.Status != StatusCancelled {
		t.Errorf("task status = %s, want cancelled", task.Status)
	}
}

func TestAutoScaling(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 3
	cfg.EnableAutoScaling = true
	cfg.ScaleUpThreshold = 0.5
	p := startPool(t, cfg)

	release := make(chan struct{})
	p.RegisterExecutor("blocking", func(ctx context.Context, payload interface{}) (interface{}, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})

	handles := make([]*TaskHandle, 6)
	for i := range handles {
		h, err := p.Submit("blocking", i, nil)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		handles[i] = h
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.WorkerCount() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.WorkerCount(); got != 3 {
		t.Errorf("worker count under load = %d, want 3", got)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	// With the pool idle the scaler should shrink back toward MinWorkers.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.WorkerCount() == cfg.MinWorkers {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := p.WorkerCount(); got != cfg.MinWorkers {
		t.Errorf("worker count after drain = %d, want %d", got, cfg.MinWorkers)
	}
}

func TestSubmitBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 2
	p := startPool(t, cfg)
	p.RegisterExecutor("double", func(ctx context.Context, payload interface{}) (interface{}, error) {
		n, ok := payload.(int)
		if !ok {
			return nil, fmt.Errorf("payload %v is not an int", payload)
		}
		return n * 2, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var progressCalls []int
	results, err := p.SubmitBatch(ctx, "double", []interface{}{1, 2, 3}, nil, func(completed, total int) {
		mu.Lock()
		progressCalls = append(progressCalls, completed)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, []interface{}{2, 4, 6}, results)

	mu.Lock()
	require.Len(t, progressCalls, 3)
	require.Equal(t, 3, progressCalls[len(progressCalls)-1])
	mu.Unlock()

	// A single bad payload fails the whole batch with a summary error.
	_, err = p.SubmitBatch(ctx, "double", []interface{}{4, "five", 6}, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 3 tasks failed")
}

func TestShutdownRejectsSubmissions(t *testing.T) {
	p := NewWorkerPool(testConfig(), nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.RegisterExecutor("noop", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, err := p.Submit("noop", nil, nil)
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Submit after shutdown = %v, want ErrPoolShutdown", err)
	}

	// Shutdown is idempotent.
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v, want nil", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	p := startPool(t, testConfig())
	p.RegisterExecutor("echo", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		h, err := p.Submit("echo", i, nil)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	snap := p.Snapshot()
	if snap.TotalTasks != 4 {
		t.Errorf("total tasks = %d, want 4", snap.TotalTasks)
	}
	if snap.CompletedTasks != 4 {
		t.Errorf("completed tasks = %d, want 4", snap.CompletedTasks)
	}
	if snap.ErrorRate != 0 {
		t.Errorf("error rate = %f, want 0", snap.ErrorRate)
	}
	if len(p.History()) != 1 {
		t.Errorf("history length = %d, want 1", len(p.History()))
	}
}

func TestSubmitOptionsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	p := startPool(t, cfg)

	var mu sync.Mutex
	attempts := map[string]int{}
	p.RegisterExecutor("flaky", func(ctx context.Context, payload interface{}) (interface{}, error) {
		mu.Lock()
		attempts[payload.(string)]++
		mu.Unlock()
		return nil, errors.New("always fails")
	})

	// Zero is an explicit budget: one attempt, no retries.
	zero, err := p.Submit("flaky", "zero", &SubmitOptions{MaxRetries: 0})
	require.NoError(t, err)
	// -1 inherits the pool default of 2 retries: three attempts.
	inherit, err := p.Submit("flaky", "inherit", &SubmitOptions{MaxRetries: -1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = zero.Wait(ctx)
	require.Error(t, err)
	_, err = inherit.Wait(ctx)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	if attempts["zero"] != 1 {
		t.Errorf("zero-budget task ran %d times, want 1", attempts["zero"])
	}
	if attempts["inherit"] != 3 {
		t.Errorf("inheriting task ran %d times, want 3", attempts["inherit"])
	}
}

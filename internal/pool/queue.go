package pool

// PriorityTaskQueue holds pending tasks in per-priority FIFO buckets.
// Dequeue drains strictly by priority, preserving submission order within
// a priority level. Not safe for concurrent use; the owning pool serializes
// access under its lock.
type PriorityTaskQueue struct {
	buckets [numPriorities][]*Task
	total   int
}

// NewPriorityTaskQueue creates an empty queue.
func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{}
}

// Enqueue appends the task to the bucket matching its priority.
func (q *PriorityTaskQueue) Enqueue(task *Task) {
	idx := bucketIndex(task.Priority)
	q.buckets[idx] = append(q.buckets[idx], task)
	q.total++
}

// Dequeue removes and returns the head of the highest-priority non-empty
// bucket, or nil if the queue is empty.
func (q *PriorityTaskQueue) Dequeue() *Task {
	for i := range q.buckets {
		if len(q.buckets[i]) == 0 {
			continue
		}
		task := q.buckets[i][0]
		q.buckets[i] = q.buckets[i][1:]
		q.total--
		return task
	}
	return nil
}

// Remove scans all buckets and removes the task with the given ID.
// Returns whether the task was found. Used for cancellation of queued tasks.
func (q *PriorityTaskQueue) Remove(taskID string) bool {
	return q.Take(taskID) != nil
}

// Take removes and returns the task with the given ID, or nil if not queued.
func (q *PriorityTaskQueue) Take(taskID string) *Task {
	for i := range q.buckets {
		for j, task := range q.buckets[i] {
			if task.ID == taskID {
				q.buckets[i] = append(q.buckets[i][:j], q.buckets[i][j+1:]...)
				q.total--
				return task
			}
		}
	}
	return nil
}

// Size returns the total number of queued tasks across all buckets.
func (q *PriorityTaskQueue) Size() int {
	return q.total
}

// IsEmpty reports whether no tasks are queued.
func (q *PriorityTaskQueue) IsEmpty() bool {
	return q.total == 0
}

// bucketIndex maps a priority to its bucket, treating unset or out-of-range
// priorities as normal.
func bucketIndex(p TaskPriority) int {
	if !p.IsValid() {
		p = PriorityNormal
	}
	return int(p) - 1
}

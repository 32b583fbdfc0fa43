package stream

import (
	"github.com/codesweep/codesweep/internal/types"
)

// issueQueue buckets pending issues by severity, FIFO within a bucket.
// Draining always yields critical issues before high, and so on down.
type issueQueue struct {
	buckets [types.NumSeverities][]types.Issue
	count   int
}

// push appends an issue to its severity bucket.
func (q *issueQueue) push(issue types.Issue) {
	idx := issue.Severity.Rank()
	if idx < 0 || idx >= len(q.buckets) {
		idx = len(q.buckets) - 1
	}
	q.buckets[idx] = append(q.buckets[idx], issue)
	q.count++
}

// drain removes and returns up to max issues in severity order. A max of
// zero or less drains everything.
func (q *issueQueue) drain(max int) []types.Issue {
	if q.count == 0 {
		return nil
	}
	if max <= 0 || max > q.count {
		max = q.count
	}
	out := make([]types.Issue, 0, max)
	for i := range q.buckets {
		for len(q.buckets[i]) > 0 && len(out) < max {
			out = append(out, q.buckets[i][0])
			q.buckets[i] = q.buckets[i][1:]
			q.count--
		}
		if len(out) == max {
			break
		}
	}
	return out
}

// size returns the number of queued issues.
func (q *issueQueue) size() int {
	return q.count
}

// reset discards all queued issues.
func (q *issueQueue) reset() {
	for i := range q.buckets {
		q.buckets[i] = nil
	}
	q.count = 0
}

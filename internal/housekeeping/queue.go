package housekeeping

import (
	"strings"
	"sync"
)

// PriorityQueue is a de-duplicating, insertion-ordered set of cluster ids
// waiting for reprocessing. It is safe for concurrent use and is not
// persisted: entries lost on restart are rediscovered by the backlog scan.
type PriorityQueue struct {
	mu      sync.Mutex
	order   []string
	members map[string]struct{}
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{members: map[string]struct{}{}}
}

// Prioritise adds id and reports whether it was not already queued. Ids are
// stored as given (trimmed); validation happens when the queue is drained.
func (q *PriorityQueue) Prioritise(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.members == nil {
		q.members = map[string]struct{}{}
	}
	if _, queued := q.members[id]; queued {
		return false
	}
	q.members[id] = struct{}{}
	q.order = append(q.order, id)
	return true
}

// Drain removes and returns up to n of the oldest entries.
func (q *PriorityQueue) Drain(n int) []string {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.order) {
		n = len(q.order)
	}
	if n == 0 {
		return nil
	}

	out := make([]string, n)
	copy(out, q.order[:n])
	q.order = q.order[n:]
	for _, id := range out {
		delete(q.members, id)
	}
	if len(q.order) == 0 {
		q.order = nil
	}
	return out
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

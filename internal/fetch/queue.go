// ABOUTME: Deduplicating pending list plus a results map for one provider
// ABOUTME: Ids already pending, in flight or finished are never queued twice

package fetch

import (
	"slices"
	"sync"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// Queue holds pending package ids and their statuses. Safe for concurrent use.
type Queue[R any] struct {
	mu       sync.Mutex
	pending  []string
	statuses map[string]Status[R]
}

// NewQueue creates an empty queue.
func NewQueue[R any]() *Queue[R] {
	return &Queue[R]{statuses: make(map[string]Status[R])}
}

// Enqueue adds id unless it is already known. It reports whether id was queued.
// Malformed ids are recorded as errors and never queued.
func (q *Queue[R]) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, known := q.statuses[id]; known {
		return false
	}
	if !types.IsValidPackageID(id) {
		q.statuses[id] = errorStatus[R](ReasonInvalidPackageID)
		return false
	}
	q.pending = append(q.pending, id)
	q.statuses[id] = pendingStatus[R]()
	return true
}

// EnqueueBatch enqueues each id and returns how many were queued.
func (q *Queue[R]) EnqueueBatch(ids []string) int {
	n := 0
	for _, id := range ids {
		if q.Enqueue(id) {
			n++
		}
	}
	return n
}

// Status returns the status of id.
func (q *Queue[R]) Status(id string) (Status[R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[id]
	return st, ok
}

// Result returns the record for id once it fetched successfully.
func (q *Queue[R]) Result(id string) (R, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[id]
	if !ok || st.State != StateSuccess || st.Record == nil {
		var zero R
		return zero, false
	}
	return *st.Record, true
}

// QueueSize returns the number of pending ids.
func (q *Queue[R]) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CompletedCount returns the number of ids in Success or Error.
func (q *Queue[R]) CompletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.statuses {
		if st.State.IsTerminal() {
			n++
		}
	}
	return n
}

// ClearQueue drops pending ids and their statuses.
// The in-flight id and finished results are kept.
func (q *Queue[R]) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.pending {
		if q.statuses[id].State == StatePending {
			delete(q.statuses, id)
		}
	}
	q.pending = nil
}

// ClearResults drops finished statuses. Pending and in-flight ids are kept.
func (q *Queue[R]) ClearResults() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, st := range q.statuses {
		if st.State.IsTerminal() {
			delete(q.statuses, id)
		}
	}
}

// Snapshot copies every status.
func (q *Queue[R]) Snapshot() map[string]Status[R] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Status[R], len(q.statuses))
	for id, st := range q.statuses {
		out[id] = st
	}
	return out
}

// pendingIDs copies the pending list in order.
func (q *Queue[R]) pendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// popFront takes the oldest pending id and marks it Fetching.
func (q *Queue[R]) popFront() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.statuses[id] = fetchingStatus[R]()
	return id, true
}

// take removes id from the pending list and marks it Fetching.
// It fails when id is no longer pending.
func (q *Queue[R]) take(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.Index(q.pending, id)
	if i < 0 {
		return false
	}
	q.pending = slices.Delete(q.pending, i, i+1)
	q.statuses[id] = fetchingStatus[R]()
	return true
}

// requeueFront puts an in-flight id back at the head as Pending.
func (q *Queue[R]) requeueFront(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = slices.Insert(q.pending, 0, id)
	q.statuses[id] = pendingStatus[R]()
}

// finish stores the terminal status of an in-flight id.
func (q *Queue[R]) finish(id string, st Status[R]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[id] = st
}

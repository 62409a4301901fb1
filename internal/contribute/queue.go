// ABOUTME: Ordered contribution queue with per-package statuses
// ABOUTME: Filters out builds the mirror already has a newer or equal version of

package contribute

import (
	"slices"
	"sync"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// Item is one installed APK offered to the mirror.
type Item struct {
	Package       string `json:"package"`
	DeviceVersion string `json:"device_version"`

	// MirrorVersion is the latest version the mirror lists. Empty when unknown.
	MirrorVersion string `json:"mirror_version,omitempty"`

	// Path is the APK or its install directory on the device.
	Path string `json:"path"`
}

// Queue holds pending contributions and their statuses. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	pending  []Item
	statuses map[string]Status
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{statuses: make(map[string]Status)}
}

// Enqueue adds item unless its package is already known and reports whether
// it was queued. Builds that are not newer than the mirror's are recorded as
// StateVersionNotNewer and never queued.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, known := q.statuses[item.Package]; known {
		return false
	}
	switch {
	case !types.IsValidPackageID(item.Package) || item.Path == "":
		q.statuses[item.Package] = Status{State: StateError, Message: ReasonInvalidPackageID}
		return false
	case !IsVersionNewer(item.DeviceVersion, item.MirrorVersion):
		q.statuses[item.Package] = Status{State: StateVersionNotNewer}
		return false
	}
	q.pending = append(q.pending, item)
	q.statuses[item.Package] = Status{State: StatePending}
	return true
}

// Status returns the status of pkg.
func (q *Queue) Status(pkg string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.statuses[pkg]
	return st, ok
}

// QueueSize returns the number of queued items.
func (q *Queue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SuccessCount returns the number of accepted uploads.
func (q *Queue) SuccessCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, st := range q.statuses {
		if st.State == StateSuccess {
			n++
		}
	}
	return n
}

// Snapshot copies every status.
func (q *Queue) Snapshot() map[string]Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Status, len(q.statuses))
	for pkg, st := range q.statuses {
		out[pkg] = st
	}
	return out
}

// ClearQueue drops queued items and their statuses. The in-flight item is kept.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.pending {
		delete(q.statuses, it.Package)
	}
	q.pending = nil
}

// ClearResults drops final statuses so those packages can be offered again.
func (q *Queue) ClearResults() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for pkg, st := range q.statuses {
		if st.State.IsTerminal() {
			delete(q.statuses, pkg)
		}
	}
}

// popFront takes the oldest item and marks it Pulling.
func (q *Queue) popFront() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Item{}, false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	q.statuses[it.Package] = Status{State: StatePulling}
	return it, true
}

// set records the status of the in-flight package.
func (q *Queue) set(pkg string, st Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[pkg] = st
}

// holdForQuota puts item back at the head and marks it and every pending
// item RateLimited.
func (q *Queue) holdForQuota(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = slices.Insert(q.pending, 0, item)
	for _, it := range q.pending {
		if st := q.statuses[it.Package]; st.State == StatePending || it.Package == item.Package {
			q.statuses[it.Package] = Status{State: StateRateLimited}
		}
	}
}

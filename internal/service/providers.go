// ABOUTME: Type-erased handles over the generic per-provider fetch and scan components
// ABOUTME: Outer surfaces address providers by name and read JSON-ready views

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/fetch"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/resilience"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/upsert"
)

// Table is the maintenance surface shared by metadata and scan tables.
type Table interface {
	Table() string
	PurgeNotFound(ctx context.Context) (int64, error)
	PurgeStaleNotFound(ctx context.Context, now time.Time) (int64, error)
	Flush(ctx context.Context) (int64, error)
	Count(ctx context.Context) (store.Counts, error)
}

// FetchView is a fetch status with the record erased to any.
type FetchView struct {
	State  fetch.State `json:"state"`
	Record any         `json:"record,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ScanView is a scan status with the result erased to any.
type ScanView struct {
	Phase     scan.Phase     `json:"phase"`
	Scanned   int            `json:"scanned,omitempty"`
	Total     int            `json:"total,omitempty"`
	Operation scan.Operation `json:"operation,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Fetcher is one metadata provider: its queue, worker and cache table.
type Fetcher interface {
	Provider() string
	Enqueue(id string) bool
	EnqueueBatch(ids []string) int
	Status(id string) (FetchView, bool)
	Result(id string) (any, bool)
	Snapshot() map[string]FetchView
	QueueSize() int
	CompletedCount() int
	ClearQueue()
	ClearResults()
	Start(ctx context.Context)
	Stop()
	Running() bool
	Limiter() *ratelimit.Limiter
	Breaker() *resilience.CircuitBreaker
	Cache() Table
}

// Scanner is one malware scanner: its request queue, scan loop and result table.
type Scanner interface {
	Provider() string
	Submit(req scan.Request) bool
	ScanPackage(ctx context.Context, req scan.Request) ScanView
	State(pkg string) (ScanView, bool)
	States() map[string]ScanView
	Init(ctx context.Context, packages []string) error
	CheckPending(ctx context.Context) (int, error)
	Cancel()
	ClearQueue()
	Progress() (completed, total int)
	QueueSize() int
	Start(ctx context.Context)
	Stop()
	Limiter() *ratelimit.Limiter
	UploadLimiter() *ratelimit.Limiter
	Writes() upsert.Stats
	Cache() Table
}

type fetchProvider[R any] struct {
	queue   *fetch.Queue[R]
	worker  *fetch.Worker[R]
	cache   *store.CacheStore[R]
	breaker *resilience.CircuitBreaker
	name    string
}

func (p *fetchProvider[R]) Provider() string { return p.name }
func (p *fetchProvider[R]) Enqueue(id string) bool { return p.queue.Enqueue(id) }
func (p *fetchProvider[R]) EnqueueBatch(ids []string) int { return p.queue.EnqueueBatch(ids) }
func (p *fetchProvider[R]) QueueSize() int { return p.queue.QueueSize() }
func (p *fetchProvider[R]) CompletedCount() int { return p.queue.CompletedCount() }
func (p *fetchProvider[R]) ClearQueue() { p.queue.ClearQueue() }
func (p *fetchProvider[R]) ClearResults() { p.queue.ClearResults() }
func (p *fetchProvider[R]) Start(ctx context.Context) { p.worker.Start(ctx) }
func (p *fetchProvider[R]) Stop() { p.worker.Stop() }
func (p *fetchProvider[R]) Running() bool { return p.worker.Running() }
func (p *fetchProvider[R]) Limiter() *ratelimit.Limiter { return p.worker.Limiter() }
func (p *fetchProvider[R]) Breaker() *resilience.CircuitBreaker { return p.breaker }
func (p *fetchProvider[R]) Cache() Table { return p.cache }

func (p *fetchProvider[R]) Status(id string) (FetchView, bool) {
	st, ok := p.queue.Status(id)
	return fetchView(st), ok
}

func (p *fetchProvider[R]) Result(id string) (any, bool) {
	rec, ok := p.queue.Result(id)
	if !ok {
		return nil, false
	}
	return rec, true
}

func (p *fetchProvider[R]) Snapshot() map[string]FetchView {
	snap := p.queue.Snapshot()
	out := make(map[string]FetchView, len(snap))
	for id, st := range snap {
		out[id] = fetchView(st)
	}
	return out
}

func fetchView[R any](st fetch.Status[R]) FetchView {
	v := FetchView{State: st.State, Reason: st.Reason}
	if st.Record != nil {
		v.Record = st.Record
	}
	return v
}

type scanProvider[R any] struct {
	scanner *scan.Scanner[R]
	results *store.ScanStore[R]
	writes  *upsert.Queue[R]
}

func (p *scanProvider[R]) Provider() string { return p.scanner.Provider() }
func (p *scanProvider[R]) Submit(req scan.Request) bool { return p.scanner.Submit(req) }
func (p *scanProvider[R]) Cancel() { p.scanner.Cancel() }
func (p *scanProvider[R]) ClearQueue() { p.scanner.ClearQueue() }
func (p *scanProvider[R]) Progress() (int, int) { return p.scanner.Progress() }
func (p *scanProvider[R]) QueueSize() int { return p.scanner.QueueSize() }
func (p *scanProvider[R]) Start(ctx context.Context) { p.scanner.Start(ctx) }
func (p *scanProvider[R]) Stop() { p.scanner.Stop() }
func (p *scanProvider[R]) Limiter() *ratelimit.Limiter { return p.scanner.Limiter() }
func (p *scanProvider[R]) UploadLimiter() *ratelimit.Limiter { return p.scanner.UploadLimiter() }
func (p *scanProvider[R]) Writes() upsert.Stats { return p.writes.Stats() }
func (p *scanProvider[R]) Cache() Table { return p.results }

func (p *scanProvider[R]) Init(ctx context.Context, packages []string) error {
	return p.scanner.Init(ctx, packages)
}

func (p *scanProvider[R]) ScanPackage(ctx context.Context, req scan.Request) ScanView {
	return scanView(p.scanner.ScanPackage(ctx, req))
}

func (p *scanProvider[R]) CheckPending(ctx context.Context) (int, error) {
	return p.scanner.CheckPending(ctx)
}

func (p *scanProvider[R]) State(pkg string) (ScanView, bool) {
	st, ok := p.scanner.State(pkg)
	return scanView(st), ok
}

func (p *scanProvider[R]) States() map[string]ScanView {
	states := p.scanner.States()
	out := make(map[string]ScanView, len(states))
	for pkg, st := range states {
		out[pkg] = scanView(st)
	}
	return out
}

func scanView[R any](st scan.ScanStatus[R]) ScanView {
	v := ScanView{Phase: st.Phase, Scanned: st.Scanned, Total: st.Total, Operation: st.Operation, Error: st.Error}
	if st.Result != nil {
		v.Result = st.Result
	}
	return v
}

// FetchStats describes one metadata provider.
type FetchStats struct {
	Provider  string       `json:"provider"`
	Running   bool         `json:"running"`
	Queued    int          `json:"queued"`
	Completed int          `json:"completed"`
	Breaker   string       `json:"breaker"`
	Table     store.Counts `json:"table"`
}

// StatsOf collects the queue, worker and table state of f.
func StatsOf(ctx context.Context, f Fetcher) (FetchStats, error) {
	st := FetchStats{
		Provider:  f.Provider(),
		Running:   f.Running(),
		Queued:    f.QueueSize(),
		Completed: f.CompletedCount(),
	}
	if b := f.Breaker(); b != nil {
		st.Breaker = b.State().String()
	}
	counts, err := f.Cache().Count(ctx)
	if err != nil {
		return st, fmt.Errorf("counting %s rows: %w", f.Provider(), err)
	}
	st.Table = counts
	return st, nil
}

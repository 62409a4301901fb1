// ABOUTME: Asynchronous write-back queue for per-file scan results
// ABOUTME: Producers never block; one consumer goroutine owns every write

package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// Errors returned by Queue.
var (
	ErrNotInitialized = errors.New("upsert queue not initialized")
	ErrClosed         = errors.New("upsert queue closed")
)

// Task is one scan result to persist.
type Task[R any] struct {
	PackageName string
	FilePath    string
	SHA256      string
	Outcome     store.Outcome

	// JobID is the serialized job handle of a pending submission.
	JobID string

	Record R
	Raw    string
}

// Row converts the task to a scan row.
func (t Task[R]) Row() store.ScanRow[R] {
	return store.ScanRow[R]{
		Key:         store.ScanKey{PackageName: t.PackageName, FilePath: t.FilePath, SHA256: t.SHA256},
		Outcome:     t.Outcome,
		Record:      t.Record,
		PendingJob:  t.JobID,
		RawResponse: t.Raw,
	}
}

// Writer persists scan rows keyed by package, file and hash.
type Writer[R any] interface {
	Upsert(ctx context.Context, row store.ScanRow[R]) error
}

// Stats counts consumer activity.
type Stats struct {
	Queued  int   `json:"queued"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Queue is an unbounded multi-producer, single-consumer write queue.
type Queue[R any] struct {
	writer Writer[R]
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	tasks    []Task[R]
	inflight int
	waiters  []chan struct{}
	started  bool
	closed   bool
	written  int64
	failed   int64

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a queue writing through w. Call Init before Queue.
func New[R any](name string, w Writer[R], logger *slog.Logger) *Queue[R] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[R]{
		writer: w,
		name:   name,
		logger: logger.With(slog.String("upsert_queue", name)),
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Init starts the consumer. Later calls are no-ops.
func (q *Queue[R]) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true
	go q.consume(context.WithoutCancel(ctx), ctx.Done())
	q.logger.Debug("upsert consumer started")
	return nil
}

// Queue hands task to the consumer without blocking.
func (q *Queue[R]) Queue(task Task[R]) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.tasks = append(q.tasks, task)
	q.inflight++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// UpsertResult writes task synchronously, bypassing the queue.
func (q *Queue[R]) UpsertResult(ctx context.Context, task Task[R]) error {
	if err := q.writer.Upsert(ctx, task.Row()); err != nil {
		return fmt.Errorf("writing %s result for %s: %w", q.name, task.PackageName, err)
	}
	return nil
}

// Drain waits until every queued task has been written or has failed.
func (q *Queue[R]) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.inflight == 0 {
		q.mu.Unlock()
		return nil
	}
	if !q.started {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-q.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains outstanding tasks and stops the consumer. It is idempotent.
func (q *Queue[R]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	err := q.Drain(context.Background())
	close(q.stopCh)
	<-q.doneCh
	q.logger.Debug("upsert consumer stopped")
	if errors.Is(err, ErrClosed) {
		// The consumer already exited with its context.
		return nil
	}
	return err
}

// Stats returns consumer counters.
func (q *Queue[R]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: q.inflight, Written: q.written, Failed: q.failed}
}

func (q *Queue[R]) consume(ctx context.Context, cancelled <-chan struct{}) {
	defer close(q.doneCh)
	for {
		select {
		case <-q.stopCh:
			return
		case <-cancelled:
			if n := q.Stats().Queued; n > 0 {
				q.logger.Warn("upsert consumer cancelled with tasks outstanding", slog.Int("tasks", n))
			}
			return
		case <-q.signal:
			q.writeBatch(ctx)
		}
	}
}

func (q *Queue[R]) writeBatch(ctx context.Context) {
	q.mu.Lock()
	batch := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range batch {
		err := q.writer.Upsert(ctx, task.Row())
		if err != nil {
			q.logger.Error("failed to write scan result",
				slog.String("package", task.PackageName),
				slog.String("file", task.FilePath),
				slog.String("sha256", types.TruncateHash(task.SHA256)),
				slog.Any("error", err),
			)
		}

		q.mu.Lock()
		if err != nil {
			q.failed++
		} else {
			q.written++
		}
		q.inflight--
		if q.inflight == 0 {
			for _, ch := range q.waiters {
				close(ch)
			}
			q.waiters = nil
		}
		q.mu.Unlock()
	}
}

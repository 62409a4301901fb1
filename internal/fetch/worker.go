// ABOUTME: Single background worker draining one provider's fetch queue
// ABOUTME: Cache first, then a rate-limited adapter call, cache write-back and status update

package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/resilience"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
)

// Cache is the slice of store.CacheStore the worker needs.
type Cache[R any] interface {
	MayContain(id string) bool
	Fresh(ctx context.Context, id string, now time.Time) (*store.Entry[R], error)
	Upsert(ctx context.Context, id string, rec R, raw string) (*store.Entry[R], error)
	UpsertNotFound(ctx context.Context, id, raw string) (*store.Entry[R], error)
}

// Worker fetches queued ids for one provider on a single goroutine.
type Worker[R any] struct {
	cfg     WorkerConfig
	queue   *Queue[R]
	cache   Cache[R]
	fetcher provider.Fetcher[R]
	limiter *ratelimit.Limiter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewWorker creates a worker. breaker may be nil.
func NewWorker[R any](
	cfg WorkerConfig,
	queue *Queue[R],
	cache Cache[R],
	fetcher provider.Fetcher[R],
	limiter *ratelimit.Limiter,
	breaker *resilience.CircuitBreaker,
) *Worker[R] {
	cfg.applyDefaults()
	if cfg.Provider == "" {
		cfg.Provider = fetcher.Name()
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Name: cfg.Provider, Now: cfg.Now, Logger: cfg.Logger})
	}
	return &Worker[R]{
		cfg:     cfg,
		queue:   queue,
		cache:   cache,
		fetcher: fetcher,
		limiter: limiter,
		breaker: breaker,
		logger:  cfg.Logger.With(slog.String("provider", cfg.Provider)),
	}
}

// Queue returns the queue the worker drains.
func (w *Worker[R]) Queue() *Queue[R] { return w.queue }

// Limiter returns the worker's rate limiter.
func (w *Worker[R]) Limiter() *ratelimit.Limiter { return w.limiter }

// Running reports whether the loop goroutine is alive.
func (w *Worker[R]) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the loop. It is a no-op while the loop is running.
func (w *Worker[R]) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopping.Store(false)
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx, w.stopCh)
	w.logger.Info("fetch worker started")
}

// Stop signals the loop and waits for it. An in-flight adapter call is not aborted.
func (w *Worker[R]) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.stopping.Store(true)
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.logger.Info("fetch worker stopped")
}

func (w *Worker[R]) run(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()
	defer func() {
		// Cancellation of ctx ends the loop without a Stop call.
		w.mu.Lock()
		if !w.stopping.Load() {
			w.running = false
		}
		w.mu.Unlock()
	}()

	if !w.pause(ctx, stop, w.cfg.StartupDelay) {
		return
	}
	for {
		if w.stopping.Load() || ctx.Err() != nil {
			return
		}
		delay, _ := w.ProcessNext(ctx)
		if !w.pause(ctx, stop, delay) {
			return
		}
	}
}

// pause sleeps d and reports false when interrupted by stop or ctx.
func (w *Worker[R]) pause(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	return ratelimit.Stoppable(w.cfg.Sleep, stop)(ctx, d) == nil
}

func (w *Worker[R]) stopChan() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopCh
}

// ProcessNext runs one iteration and returns the delay before the next one.
// processed is false when nothing was dequeued or the item went back to the queue.
func (w *Worker[R]) ProcessNext(ctx context.Context) (delay time.Duration, processed bool) {
	if w.stopping.Load() || ctx.Err() != nil {
		return 0, false
	}
	defer func() { w.cfg.Metrics.SetQueueDepth(w.cfg.Provider, w.queue.QueueSize()) }()

	id, ok, panicked := w.pick(ctx)
	if panicked {
		return w.cfg.PanicDelay, false
	}
	if !ok {
		return w.cfg.IdleDelay, false
	}
	return w.process(ctx, id)
}

// pick runs next and recovers a panic from its cache reads. Nothing has
// left the queue at that point, so every id stays pending.
func (w *Worker[R]) pick(ctx context.Context) (id string, ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while selecting next id", slog.Any("panic", r))
			w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomePanic, 0)
			id, ok, panicked = "", false, true
		}
	}()
	id, ok = w.next(ctx)
	return id, ok, false
}

// next picks the id to fetch: with cache priority, the first pending id with a
// fresh row, otherwise the oldest.
func (w *Worker[R]) next(ctx context.Context) (string, bool) {
	if w.cfg.CachePriority {
		now := w.cfg.Now()
		for _, id := range w.queue.pendingIDs() {
			if !w.cache.MayContain(id) {
				continue
			}
			if _, err := w.cache.Fresh(ctx, id, now); err != nil {
				continue
			}
			if w.queue.take(id) {
				return id, true
			}
		}
	}
	return w.queue.popFront()
}

func (w *Worker[R]) process(ctx context.Context, id string) (delay time.Duration, processed bool) {
	logger := observability.WithTrace(ctx, w.logger).With(slog.String("package_id", id))

	ctx, span := observability.StartSpan(ctx, "fetch.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", w.cfg.Provider),
		attribute.String("package_id", id),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while fetching", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			w.queue.finish(id, panicStatus[R](r))
			w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomePanic, 0)
			delay, processed = w.cfg.PanicDelay, true
		}
	}()

	if st, ok := w.fromCache(ctx, id, logger); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		w.queue.finish(id, st)
		w.cfg.Metrics.RecordCacheHit(w.cfg.Provider)
		return w.cfg.CacheHitDelay, true
	}

	if err := w.limiter.Wait(ctx, ratelimit.Stoppable(w.cfg.Sleep, w.stopChan())); err != nil {
		logger.Debug("rate limit wait interrupted, requeueing")
		w.queue.requeueFront(id)
		return 0, false
	}

	st, outcome, delay := w.fetch(ctx, id, logger)
	if st.State == StateError {
		span.SetStatus(codes.Error, st.Reason)
	}
	w.queue.finish(id, st)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return delay, true
}

// fromCache returns the status for a fresh cached row.
func (w *Worker[R]) fromCache(ctx context.Context, id string, logger *slog.Logger) (Status[R], bool) {
	e, err := w.cache.Fresh(ctx, id, w.cfg.Now())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("cache read failed", slog.Any("error", err))
		}
		return Status[R]{}, false
	}
	logger.Debug("cache hit", slog.String("outcome", string(e.Outcome)))
	if !e.Found() {
		return errorStatus[R](ReasonNotFoundCached), true
	}
	return successStatus(e.Record), true
}

// fetch calls the adapter and writes the outcome back to the cache.
func (w *Worker[R]) fetch(ctx context.Context, id string, logger *slog.Logger) (Status[R], observability.Outcome, time.Duration) {
	start := w.cfg.Now()

	var res provider.Result[R]
	call := func(ctx context.Context) error {
		var err error
		res, err = w.fetcher.FetchAppDetails(ctx, id)
		return err
	}
	var err error
	if w.breaker != nil {
		err = w.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	elapsed := w.cfg.Now().Sub(start)

	switch {
	case err == nil:
		if _, err := w.cache.Upsert(ctx, id, res.Record, res.Raw); err != nil {
			logger.Error("failed to save record", slog.Any("error", err))
			w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeError, elapsed)
			return errorStatus[R](reasonDatabaseSave + observability.RedactSensitive(err.Error())), observability.OutcomeError, w.cfg.Pace
		}
		logger.Info("fetched package metadata", slog.Duration("duration", elapsed))
		w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeSuccess, elapsed)
		return successStatus(res.Record), observability.OutcomeSuccess, w.cfg.Pace

	case errors.Is(err, resilience.ErrCircuitOpen):
		logger.Warn("provider circuit open, skipping")
		w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeError, 0)
		return errorStatus[R](ReasonProviderUnavailable), observability.OutcomeError, w.cfg.Pace
	}

	switch provider.Classify(err) {
	case provider.KindNotFound:
		if _, err := w.cache.UpsertNotFound(ctx, id, res.Raw); err != nil {
			logger.Error("failed to save not-found row", slog.Any("error", err))
			w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeError, elapsed)
			return errorStatus[R](reasonDatabaseSave + observability.RedactSensitive(err.Error())), observability.OutcomeError, w.cfg.Pace
		}
		logger.Info("package not found", slog.Duration("duration", elapsed))
		w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeNotFound, elapsed)
		return errorStatus[R](ReasonNotFound), observability.OutcomeNotFound, w.cfg.Pace

	case provider.KindRateLimited:
		cooldown := max(provider.RetryAfterOf(err), w.cfg.RateLimitBackoff)
		until := w.limiter.Cooldown(cooldown)
		logger.Warn("provider rate limit reached",
			slog.Duration("cooldown", cooldown),
			slog.Time("until", until),
		)
		w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeRateLimited, elapsed)
		return errorStatus[R](ReasonRateLimited), observability.OutcomeRateLimited, w.cfg.RateLimitBackoff

	default:
		msg := observability.RedactSensitive(err.Error())
		logger.Warn("fetch failed", slog.String("error", msg))
		w.cfg.Metrics.RecordFetch(w.cfg.Provider, observability.OutcomeError, elapsed)
		return errorStatus[R](msg), observability.OutcomeError, w.cfg.Pace
	}
}

// ABOUTME: Single background worker uploading queued APKs to APKMirror
// ABOUTME: Pull, MD5, uploadable check, upload; a quota reply parks the queue for a day

package contribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/digest"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
)

// Uploader is the mirror side of a contribution. *provider.APKMirror implements it.
type Uploader interface {
	CanContribute() bool
	Uploadable(ctx context.Context, md5 string) (bool, error)
	Upload(ctx context.Context, path string) (provider.UploadReply, error)
}

// Worker drains a contribution queue on a single goroutine.
type Worker struct {
	cfg      Config
	queue    *Queue
	uploader Uploader
	source   scan.FileSource
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewWorker creates a worker. A nil source reads local paths and a nil
// limiter gets one without request spacing.
func NewWorker(cfg Config, queue *Queue, uploader Uploader, source scan.FileSource, limiter *ratelimit.Limiter) *Worker {
	cfg.applyDefaults()
	if source == nil {
		source = scan.LocalSource{}
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{Name: Name, Now: cfg.Now, Logger: cfg.Logger})
	}
	return &Worker{
		cfg:      cfg,
		queue:    queue,
		uploader: uploader,
		source:   source,
		limiter:  limiter,
		logger:   cfg.Logger.With(slog.String("worker", Name)),
	}
}

// Queue returns the queue the worker drains.
func (w *Worker) Queue() *Queue { return w.queue }

// Limiter returns the limiter that carries the upload quota cooldown.
func (w *Worker) Limiter() *ratelimit.Limiter { return w.limiter }

// Running reports whether the loop goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the loop. It is a no-op while the loop is running.
func (w *Worker) Start(ctx context.Context) {
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
	w.logger.Info("contribution worker started")
}

// Stop signals the loop and waits for it. An in-flight upload is not aborted.
func (w *Worker) Stop() {
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
	w.logger.Info("contribution worker stopped")
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		if !w.stopping.Load() {
			w.running = false
		}
		w.mu.Unlock()
	}()

	sleep := ratelimit.Stoppable(w.cfg.Sleep, stop)
	for {
		if w.stopping.Load() || ctx.Err() != nil {
			return
		}
		delay, _ := w.ProcessNext(ctx)
		if delay > 0 && sleep(ctx, delay) != nil {
			return
		}
	}
}

// ProcessNext runs one iteration and returns the delay before the next one.
// processed is false when nothing was dequeued or the quota is exhausted.
func (w *Worker) ProcessNext(ctx context.Context) (delay time.Duration, processed bool) {
	if w.stopping.Load() || ctx.Err() != nil {
		return 0, false
	}
	defer func() { w.cfg.Metrics.SetQueueDepth(Name, w.queue.QueueSize()) }()

	if left := w.limiter.CoolingDown(); left > 0 {
		w.logger.Debug("upload quota exhausted", slog.Duration("remaining", left))
		return min(left, w.cfg.QuotaRecheck), false
	}

	item, ok := w.queue.popFront()
	if !ok {
		return w.cfg.IdleDelay, false
	}
	if !w.uploader.CanContribute() {
		w.logger.Warn("no account configured, skipping contribution", slog.String("package_id", item.Package))
		w.queue.set(item.Package, Status{State: StateError, Message: ReasonNoAccount})
		return 0, true
	}
	return w.process(ctx, item)
}

func (w *Worker) process(ctx context.Context, item Item) (delay time.Duration, processed bool) {
	logger := observability.WithTrace(ctx, w.logger).With(slog.String("package_id", item.Package))

	ctx, span := observability.StartSpan(ctx, "contribute.process")
	defer span.End()
	span.SetAttributes(attribute.String("package_id", item.Package))

	start := w.cfg.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while contributing", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			w.queue.set(item.Package, Status{State: StateError, Message: reasonInternal + fmt.Sprint(r)})
			w.cfg.Metrics.RecordFetch(Name, observability.OutcomePanic, 0)
			delay, processed = w.cfg.PanicDelay, true
		}
	}()

	st, err := w.contribute(ctx, logger, item)
	elapsed := w.cfg.Now().Sub(start)

	if err != nil {
		cooldown := max(provider.RetryAfterOf(err), provider.APKMirrorUploadCooldown)
		until := w.limiter.Cooldown(cooldown)
		logger.Warn("upload quota reached, pausing contributions", slog.Time("until", until))
		w.queue.holdForQuota(item)
		w.cfg.Metrics.RecordFetch(Name, observability.OutcomeRateLimited, elapsed)
		span.SetAttributes(attribute.String("outcome", string(observability.OutcomeRateLimited)))
		return 0, false
	}

	outcome := observability.OutcomeSuccess
	if st.State == StateError {
		outcome = observability.OutcomeError
		span.SetStatus(codes.Error, st.Message)
		logger.Warn("contribution failed", slog.String("reason", st.Message))
	} else {
		logger.Info("contribution finished", slog.String("state", st.State.String()), slog.Duration("duration", elapsed))
	}
	w.queue.set(item.Package, st)
	w.cfg.Metrics.RecordFetch(Name, outcome, elapsed)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return w.cfg.Pace, true
}

// contribute walks one item through the pipeline. The only error it returns
// is a rate limit; every other failure becomes a StateError status.
func (w *Worker) contribute(ctx context.Context, logger *slog.Logger, item Item) (Status, error) {
	local, release, err := w.pull(ctx, item)
	if err != nil {
		return failure(err.Error()), nil
	}
	defer release()
	logger.Debug("pulled apk", slog.String("file", filepath.Base(local)))

	w.queue.set(item.Package, Status{State: StateHashing})
	sum, err := digest.MD5File(ctx, local)
	if err != nil {
		return failure("failed to compute MD5 hash: " + err.Error()), nil
	}

	w.queue.set(item.Package, Status{State: StateChecking})
	ok, err := w.uploader.Uploadable(ctx, sum)
	if err != nil {
		if provider.Classify(err) == provider.KindRateLimited {
			return Status{}, err
		}
		return failure("failed to check uploadability: " + err.Error()), nil
	}
	if !ok {
		return Status{State: StateAlreadyExists}, nil
	}

	w.queue.set(item.Package, Status{State: StateUploading})
	reply, err := w.uploader.Upload(ctx, local)
	if err != nil {
		if provider.Classify(err) == provider.KindRateLimited {
			return Status{}, err
		}
		return failure("upload error: " + err.Error()), nil
	}
	switch reply.Outcome {
	case provider.UploadAccepted:
		return Status{State: StateSuccess, Message: reply.Message}, nil
	case provider.UploadDuplicate:
		return Status{State: StateAlreadyExists}, nil
	default:
		return failure("upload failed: " + reply.Message), nil
	}
}

// pull makes the item's APK local. A directory path is resolved to the APK
// inside it, on the device when the source can list and locally otherwise.
func (w *Worker) pull(ctx context.Context, item Item) (string, func(), error) {
	path := item.Path
	if !strings.EqualFold(filepath.Ext(path), ".apk") {
		lister, ok := w.source.(scan.APKLister)
		if !ok {
			return "", nil, fmt.Errorf("no APK files found in directory: %s", path)
		}
		apks, err := lister.ListAPKs(ctx, item.Package, path)
		if err != nil || len(apks) == 0 {
			return "", nil, fmt.Errorf("no APK files found in directory: %s", path)
		}
		path = apks[0]
	}

	local, release, err := w.source.Pull(ctx, item.Package, path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to pull APK: %s", observability.RedactSensitive(err.Error()))
	}

	info, err := os.Stat(local)
	switch {
	case err != nil:
		release()
		return "", nil, fmt.Errorf("pulled file does not exist or is inaccessible: %s", filepath.Base(local))
	case info.IsDir():
		inner, err := firstAPK(local)
		if err != nil {
			release()
			return "", nil, err
		}
		return inner, release, nil
	}
	return local, release, nil
}

// firstAPK finds a regular .apk file directly under dir.
func firstAPK(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".apk") {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", errors.New("pulled path is a directory but no APK found inside")
}

func failure(msg string) Status {
	return Status{State: StateError, Message: observability.RedactSensitive(msg)}
}

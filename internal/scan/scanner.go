// ABOUTME: Per-provider malware scanner rolling per-file results into a package status
// ABOUTME: Hash, cache check, lookup, optional pull and upload, then bounded polling

package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/digest"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/upsert"
)

// Package-level error reasons.
const (
	ReasonInvalidPackageID = "invalid package id"
	ReasonCancelled        = "scan cancelled"
	reasonRateLimited      = "rate limit reached"
	reasonUploadLimited    = "upload rate limit reached"
)

// errInterrupted marks a scan stopped mid-package; the package is requeued.
var errInterrupted = errors.New("scan interrupted")

// Scanner scans queued packages for one provider on a single goroutine.
type Scanner[R any] struct {
	cfg     Config[R]
	adapter provider.ScanAdapter[R]
	results *store.ScanStore[R]
	writes  *upsert.Queue[R]
	source  FileSource
	digests *digest.Memo
	limiter *ratelimit.Limiter
	uploads *ratelimit.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	states     map[string]ScanStatus[R]
	queue      []Request
	active     string
	batchDone  int
	batchTotal int

	cancel   atomic.Bool
	running  bool
	stopCh   chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewScanner creates a scanner. writes, source and digests may be nil:
// rows are then written synchronously, files are read locally and hashed
// without a memo.
func NewScanner[R any](
	cfg Config[R],
	adapter provider.ScanAdapter[R],
	results *store.ScanStore[R],
	writes *upsert.Queue[R],
	source FileSource,
	digests *digest.Memo,
) *Scanner[R] {
	if cfg.Provider == "" {
		cfg.Provider = adapter.Name()
	}
	cfg.applyDefaults()
	if source == nil {
		source = LocalSource{}
	}

	lc := cfg.Limits
	lc.Now, lc.Logger = cfg.Now, cfg.Logger
	s := &Scanner[R]{
		cfg:     cfg,
		adapter: adapter,
		results: results,
		writes:  writes,
		source:  source,
		digests: digests,
		limiter: ratelimit.New(lc),
		logger:  cfg.Logger.With(slog.String("scanner", cfg.Provider)),
		states:  make(map[string]ScanStatus[R]),
	}
	if cfg.UploadLimits != nil {
		uc := *cfg.UploadLimits
		uc.Now, uc.Logger = cfg.Now, cfg.Logger
		s.uploads = ratelimit.New(uc)
	}
	return s
}

// Provider returns the provider name.
func (s *Scanner[R]) Provider() string { return s.cfg.Provider }

// Limiter returns the lookup limiter.
func (s *Scanner[R]) Limiter() *ratelimit.Limiter { return s.limiter }

// UploadLimiter returns the separate upload limiter, or nil.
func (s *Scanner[R]) UploadLimiter() *ratelimit.Limiter { return s.uploads }

// Submit queues a package scan. It reports false for a malformed package id
// or a package already queued or in progress.
func (s *Scanner[R]) Submit(req Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !types.IsValidPackageID(req.Package) {
		s.states[req.Package] = errorStatus[R](ReasonInvalidPackageID)
		return false
	}
	if req.Package == s.active || slices.ContainsFunc(s.queue, func(r Request) bool { return r.Package == req.Package }) {
		return false
	}
	if s.batchDone == s.batchTotal {
		s.batchDone, s.batchTotal = 0, 0
	}
	s.queue = append(s.queue, req)
	s.states[req.Package] = pendingStatus[R]()
	s.batchTotal++
	return true
}

// State returns the status of pkg.
func (s *Scanner[R]) State(pkg string) (ScanStatus[R], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pkg]
	return st, ok
}

// States copies every package status.
func (s *Scanner[R]) States() map[string]ScanStatus[R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ScanStatus[R], len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Progress returns finished and total packages of the current batch.
func (s *Scanner[R]) Progress() (completed, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchDone, s.batchTotal
}

// QueueSize returns the number of queued packages.
func (s *Scanner[R]) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ClearQueue drops queued packages and cancels the package in progress.
func (s *Scanner[R]) ClearQueue() {
	s.mu.Lock()
	for _, r := range s.queue {
		if s.states[r.Package].Phase == PhasePending {
			delete(s.states, r.Package)
		}
	}
	s.batchTotal -= len(s.queue)
	s.queue = nil
	s.mu.Unlock()
	s.Cancel()
}

// Cancel aborts the package in progress at its next file boundary.
func (s *Scanner[R]) Cancel() {
	s.cancel.Store(true)
}

// Start launches the scan loop. It is a no-op while the loop is running.
func (s *Scanner[R]) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopping.Store(false)
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopCh)
	s.logger.Info("scanner started")
}

// Stop signals the loop and waits for it. The package in progress is requeued.
func (s *Scanner[R]) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.stopping.Store(true)
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scanner stopped")
}

func (s *Scanner[R]) stopChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

func (s *Scanner[R]) run(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if !s.stopping.Load() {
			s.running = false
		}
		s.mu.Unlock()
	}()

	sleep := ratelimit.Stoppable(s.cfg.Sleep, stop)
	for {
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
		if d, _ := s.ProcessNext(ctx); d > 0 {
			if err := sleep(ctx, d); err != nil {
				return
			}
		}
	}
}

// ProcessNext scans the next queued package and returns the delay before the next call.
func (s *Scanner[R]) ProcessNext(ctx context.Context) (time.Duration, bool) {
	if s.stopping.Load() || ctx.Err() != nil {
		return 0, false
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return s.cfg.IdleDelay, false
	}
	req := s.queue[0]
	s.queue = s.queue[1:]
	s.active = req.Package
	s.cancel.Store(false)
	s.mu.Unlock()

	st, panicked := s.scan(ctx, req)
	if panicked {
		return s.cfg.PanicDelay, true
	}
	return 0, st.Phase != PhasePending
}

// ScanPackage scans every file of req in the foreground and stores the
// resulting package status. It bypasses the queue.
func (s *Scanner[R]) ScanPackage(ctx context.Context, req Request) ScanStatus[R] {
	s.cancel.Store(false)
	st, _ := s.scan(ctx, req)
	return st
}

// scan recovers a panic into an error status so the package never stays in Scanning.
func (s *Scanner[R]) scan(ctx context.Context, req Request) (st ScanStatus[R], panicked bool) {
	logger := observability.WithTrace(ctx, s.logger).With(slog.String("package", req.Package))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while scanning package", slog.Any("panic", r))
			s.cfg.Metrics.RecordFetch(s.cfg.Provider, observability.OutcomePanic, 0)
			st, panicked = s.finish(req.Package, errorStatus[R]("internal error: "+fmt.Sprint(r))), true
		}
	}()

	ctx, span := observability.StartSpan(ctx, "scan.package")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", s.cfg.Provider),
		attribute.String("package", req.Package),
		attribute.Int("files", len(req.Files)),
	)

	if !types.IsValidPackageID(req.Package) {
		return s.finish(req.Package, errorStatus[R](ReasonInvalidPackageID)), false
	}

	sleep := ratelimit.Stoppable(s.cfg.Sleep, s.stopChan())
	res := Result[R]{FilesAttempted: len(req.Files)}
	for i, in := range req.Files {
		if s.cancel.Load() {
			logger.Info("package scan cancelled", slog.Int("scanned", i))
			return s.finish(req.Package, errorStatus[R](ReasonCancelled)), false
		}
		if s.stopping.Load() || ctx.Err() != nil {
			return s.requeue(req), false
		}

		f, err := s.scanFile(ctx, logger, sleep, req.Package, i, len(req.Files), in)
		if errors.Is(err, errInterrupted) {
			return s.requeue(req), false
		}
		if f == nil {
			res.FilesSkippedInvalidHash++
			continue
		}
		res.Files = append(res.Files, *f)
	}

	logger.Info("package scanned",
		slog.Int("files", len(res.Files)),
		slog.Int("found", res.Count(FileFound)),
		slog.Int("skipped_invalid_hash", res.FilesSkippedInvalidHash),
	)
	return s.finish(req.Package, completedStatus(res)), false
}

func (s *Scanner[R]) finish(pkg string, st ScanStatus[R]) ScanStatus[R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pkg] = st
	if s.active == pkg {
		s.active = ""
		s.batchDone++
	}
	return st
}

func (s *Scanner[R]) requeue(req Request) ScanStatus[R] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = slices.Insert(s.queue, 0, req)
	s.states[req.Package] = pendingStatus[R]()
	if s.active == req.Package {
		s.active = ""
	}
	return s.states[req.Package]
}

func (s *Scanner[R]) setOp(pkg string, idx, total int, op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pkg] = scanningStatus[R](idx+1, total, op)
}

// pull fetches a local copy of one file at most once per file.
type pull struct {
	local   string
	release func()
}

func (p *pull) close() {
	if p.release != nil {
		p.release()
	}
}

// scanFile returns nil without error for a file with an invalid hash.
func (s *Scanner[R]) scanFile(
	ctx context.Context,
	logger *slog.Logger,
	sleep ratelimit.Sleeper,
	pkg string, idx, total int,
	in FileInput,
) (*FileScanResult[R], error) {
	deadline := s.cfg.Now().Add(s.cfg.FileTimeout)
	logger = logger.With(slog.String("file", in.Path))

	var p pull
	defer p.close()
	local := func() (string, error) {
		if p.local != "" {
			return p.local, nil
		}
		s.setOp(pkg, idx, total, OpPulling)
		l, release, err := s.source.Pull(ctx, pkg, in.Path)
		if err != nil {
			return "", err
		}
		p.local, p.release = l, release
		return l, nil
	}

	sha := in.SHA256
	if sha == "" {
		lp, err := local()
		if err != nil {
			return fileError[R](in.Path, "", "failed to pull file: "+observability.RedactSensitive(err.Error())), nil
		}
		s.setOp(pkg, idx, total, OpHashing)
		if sha, err = s.hash(ctx, lp); err != nil {
			return fileError[R](in.Path, "", err.Error()), nil
		}
	}
	sum, err := types.ParseSHA256(sha)
	if err != nil {
		logger.Warn("skipping file with invalid sha256", slog.Int("length", len(sha)))
		return nil, nil
	}
	key := store.ScanKey{PackageName: pkg, FilePath: in.Path, SHA256: sum}

	if f, ok := s.cached(ctx, logger, key); ok {
		return f, nil
	}

	s.setOp(pkg, idx, total, OpChecking)
	res, err := s.lookup(ctx, logger, sleep, sum)
	if err == nil {
		s.persist(ctx, upsert.Task[R]{PackageName: pkg, FilePath: in.Path, SHA256: sum, Outcome: store.OutcomeFound, Record: res.Record, Raw: res.Raw})
		return fileFound(key, res.Record), nil
	}
	if errors.Is(err, errInterrupted) {
		return nil, err
	}

	switch provider.Classify(err) {
	case provider.KindNotFound:
		if !s.cfg.AllowUpload || !IsUploadable(in.Path) {
			rec := s.cfg.Records.notFound()
			s.persist(ctx, upsert.Task[R]{PackageName: pkg, FilePath: in.Path, SHA256: sum, Outcome: store.OutcomeNotFound, Record: rec})
			return &FileScanResult[R]{FilePath: in.Path, SHA256: sum, Outcome: FileNotFound, Record: &rec}, nil
		}
		return s.upload(ctx, logger, sleep, key, deadline, local, func(op Operation) { s.setOp(pkg, idx, total, op) })
	case provider.KindRateLimited:
		return &FileScanResult[R]{FilePath: in.Path, SHA256: sum, Outcome: FileRateLimited, Error: reasonRateLimited}, nil
	default:
		msg := observability.RedactSensitive(err.Error())
		logger.Warn("lookup failed", slog.String("error", msg))
		return fileError[R](in.Path, sum, msg), nil
	}
}

func (s *Scanner[R]) hash(ctx context.Context, path string) (string, error) {
	if s.digests != nil {
		return s.digests.SHA256(ctx, path)
	}
	return digest.HashFile(ctx, path)
}

// cached answers from a pending row for this file or a fresh row for the same hash.
func (s *Scanner[R]) cached(ctx context.Context, logger *slog.Logger, key store.ScanKey) (*FileScanResult[R], bool) {
	if row, err := s.results.Find(ctx, key); err == nil && row.Outcome == store.OutcomePending {
		f := fileFromRow(*row)
		return &f, true
	}

	row, err := s.results.BySHA256(ctx, key.SHA256)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("scan cache read failed", slog.Any("error", err))
		}
		return nil, false
	}
	if s.results.IsStale(row, s.cfg.Now()) {
		return nil, false
	}

	if row.Key != key {
		// Same content under another package or path.
		s.persist(ctx, upsert.Task[R]{
			PackageName: key.PackageName, FilePath: key.FilePath, SHA256: key.SHA256,
			Outcome: row.Outcome, Record: row.Record, Raw: row.RawResponse,
		})
	}
	f := fileFromRow(*row)
	f.FilePath = key.FilePath
	s.cfg.Metrics.RecordCacheHit(s.cfg.Provider)
	return &f, true
}

// lookup queries the provider, retrying after rate-limit cooldowns.
func (s *Scanner[R]) lookup(ctx context.Context, logger *slog.Logger, sleep ratelimit.Sleeper, sha string) (provider.Result[R], error) {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx, sleep); err != nil {
			return provider.Result[R]{}, fmt.Errorf("%w: %v", errInterrupted, err)
		}

		start := s.cfg.Now()
		res, err := s.adapter.Lookup(ctx, sha)
		s.recordCall(err, s.cfg.Now().Sub(start))
		if err == nil || provider.Classify(err) != provider.KindRateLimited {
			return res, err
		}

		cooldown := max(provider.RetryAfterOf(err), s.cfg.RateLimitBackoff)
		s.limiter.Cooldown(cooldown)
		if attempt >= s.cfg.RateLimitRetries {
			logger.Warn("lookup rate limited, giving up", slog.Int("attempts", attempt+1))
			return res, err
		}
		logger.Info("lookup rate limited, retrying after cooldown", slog.Duration("cooldown", cooldown))
	}
}

func (s *Scanner[R]) upload(
	ctx context.Context,
	logger *slog.Logger,
	sleep ratelimit.Sleeper,
	key store.ScanKey,
	deadline time.Time,
	local func() (string, error),
	setOp func(Operation),
) (*FileScanResult[R], error) {
	lp, err := local()
	if err != nil {
		return fileError[R](key.FilePath, key.SHA256, "failed to pull file: "+observability.RedactSensitive(err.Error())), nil
	}

	lim := s.limiter
	if s.uploads != nil {
		lim = s.uploads
		if d := s.uploads.CoolingDown(); d > 0 {
			return s.uploadLimited(key, s.cfg.Now().Add(d)), nil
		}
	}

	setOp(OpUploading)
	if err := lim.Wait(ctx, sleep); err != nil {
		return nil, fmt.Errorf("%w: %v", errInterrupted, err)
	}
	start := s.cfg.Now()
	h, err := s.adapter.Submit(ctx, lp)
	s.recordCall(err, s.cfg.Now().Sub(start))
	if err != nil {
		if provider.Classify(err) == provider.KindRateLimited {
			if s.uploads != nil {
				until := s.uploads.Cooldown(s.cfg.UploadCooldown)
				logger.Warn("upload quota reached", slog.Time("until", until))
				return s.uploadLimited(key, until), nil
			}
			s.limiter.Cooldown(max(provider.RetryAfterOf(err), s.cfg.RateLimitBackoff))
			return &FileScanResult[R]{FilePath: key.FilePath, SHA256: key.SHA256, Outcome: FileRateLimited, Error: reasonRateLimited}, nil
		}
		msg := "upload failed: " + observability.RedactSensitive(err.Error())
		logger.Warn("upload failed", slog.String("error", msg))
		return fileError[R](key.FilePath, key.SHA256, msg), nil
	}
	if h.SHA256 == "" {
		h.SHA256 = key.SHA256
	}
	logger.Info("file submitted", slog.String("job", h.RemoteID))

	setOp(OpPolling)
	return s.poll(ctx, logger, sleep, key, h, deadline), nil
}

// uploadLimited reports a file whose upload waits for the quota. Nothing is
// stored, so the next scan after the cooldown uploads it.
func (s *Scanner[R]) uploadLimited(key store.ScanKey, until time.Time) *FileScanResult[R] {
	rec := s.cfg.Records.rateLimited(until)
	return &FileScanResult[R]{FilePath: key.FilePath, SHA256: key.SHA256, Outcome: FileRateLimited, Record: &rec, Error: reasonUploadLimited}
}

// poll waits for a submission until deadline, then parks it as a pending row.
func (s *Scanner[R]) poll(
	ctx context.Context,
	logger *slog.Logger,
	sleep ratelimit.Sleeper,
	key store.ScanKey,
	h provider.JobHandle,
	deadline time.Time,
) *FileScanResult[R] {
	for s.cfg.Now().Before(deadline) {
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			break
		}
		if !s.limiter.Allow() {
			continue
		}

		res, err := s.adapter.Poll(ctx, h)
		switch {
		case err == nil:
			s.persist(ctx, upsert.Task[R]{
				PackageName: key.PackageName, FilePath: key.FilePath, SHA256: key.SHA256,
				Outcome: store.OutcomeFound, Record: res.Record, Raw: res.Raw,
			})
			return fileFound(key, res.Record)
		case errors.Is(err, provider.ErrPending):
		case errors.Is(err, provider.ErrRateLimited):
			s.limiter.Cooldown(max(provider.RetryAfterOf(err), s.cfg.RateLimitBackoff))
		default:
			logger.Warn("poll failed", slog.String("error", observability.RedactSensitive(err.Error())))
		}
	}
	return s.park(ctx, logger, key, h)
}

// park stores an unfinished submission for CheckPending.
func (s *Scanner[R]) park(ctx context.Context, logger *slog.Logger, key store.ScanKey, h provider.JobHandle) *FileScanResult[R] {
	job, err := json.Marshal(h)
	if err != nil {
		return fileError[R](key.FilePath, key.SHA256, fmt.Sprintf("encoding job handle: %v", err))
	}
	rec := s.cfg.Records.pending(h)
	s.persist(ctx, upsert.Task[R]{
		PackageName: key.PackageName, FilePath: key.FilePath, SHA256: key.SHA256,
		Outcome: store.OutcomePending, JobID: string(job), Record: rec,
	})
	logger.Info("analysis still running, parked as pending", slog.String("job", h.RemoteID))
	return &FileScanResult[R]{FilePath: key.FilePath, SHA256: key.SHA256, Outcome: FilePending, Record: &rec}
}

// persist hands task to the write-back queue, writing directly when it is unavailable.
func (s *Scanner[R]) persist(ctx context.Context, task upsert.Task[R]) {
	if s.writes != nil {
		if err := s.writes.Queue(task); err == nil {
			return
		}
		if err := s.writes.UpsertResult(ctx, task); err != nil {
			s.logger.Error("failed to write scan result", slog.Any("error", err))
		}
		return
	}
	if err := s.results.Upsert(ctx, task.Row()); err != nil {
		s.logger.Error("failed to write scan result", slog.Any("error", err))
	}
}

func (s *Scanner[R]) recordCall(err error, d time.Duration) {
	outcome := observability.OutcomeSuccess
	if err != nil {
		switch provider.Classify(err) {
		case provider.KindNotFound:
			outcome = observability.OutcomeNotFound
		case provider.KindRateLimited:
			outcome = observability.OutcomeRateLimited
		default:
			outcome = observability.OutcomeError
		}
	}
	s.cfg.Metrics.RecordFetch(s.cfg.Provider, outcome, d)
}

func fileFound[R any](key store.ScanKey, rec R) *FileScanResult[R] {
	return &FileScanResult[R]{FilePath: key.FilePath, SHA256: key.SHA256, Outcome: FileFound, Record: &rec}
}

func fileError[R any](path, sha, msg string) *FileScanResult[R] {
	return &FileScanResult[R]{FilePath: path, SHA256: sha, Outcome: FileError, Error: msg}
}

// ABOUTME: Tests for the per-provider file scanner
// ABOUTME: Hash handling, cache reuse, upload and polling, quotas, cancellation and restore

package scan

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/digest"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/upsert"
)

const (
	shaA = "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f"
	shaB = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// fakeClock advances only when the scanner sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return nil
}

// fakeAdapter answers from the configured funcs and records every call.
type fakeAdapter[R any] struct {
	name   string
	lookup func(n int, sha string) (provider.Result[R], error)
	submit func(path string) (provider.JobHandle, error)
	poll   func(n int, h provider.JobHandle) (provider.Result[R], error)

	mu      sync.Mutex
	lookups []string
	submits []string
	polls   []provider.JobHandle
}

func (a *fakeAdapter[R]) Name() string { return a.name }

func (a *fakeAdapter[R]) Lookup(_ context.Context, sha string) (provider.Result[R], error) {
	a.mu.Lock()
	a.lookups = append(a.lookups, sha)
	n := len(a.lookups)
	a.mu.Unlock()
	return a.lookup(n, sha)
}

func (a *fakeAdapter[R]) Submit(_ context.Context, path string) (provider.JobHandle, error) {
	a.mu.Lock()
	a.submits = append(a.submits, path)
	a.mu.Unlock()
	if a.submit == nil {
		return provider.JobHandle{}, errors.New("unexpected submit")
	}
	return a.submit(path)
}

func (a *fakeAdapter[R]) Poll(_ context.Context, h provider.JobHandle) (provider.Result[R], error) {
	a.mu.Lock()
	a.polls = append(a.polls, h)
	n := len(a.polls)
	a.mu.Unlock()
	if a.poll == nil {
		return provider.Result[R]{}, provider.Pending(a.name, "poll")
	}
	return a.poll(n, h)
}

func (a *fakeAdapter[R]) counts() (lookups, submits, polls int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lookups), len(a.submits), len(a.polls)
}

func vtReport(malicious int) func(int, string) (provider.Result[types.VirusTotalReport], error) {
	return func(int, string) (provider.Result[types.VirusTotalReport], error) {
		return provider.Result[types.VirusTotalReport]{Record: types.VirusTotalReport{Malicious: malicious}, Raw: "{}"}, nil
	}
}

func vtNotFound(int, string) (provider.Result[types.VirusTotalReport], error) {
	return provider.Result[types.VirusTotalReport]{}, provider.NotFound(types.ProviderVirusTotal, "lookup")
}

type harness[R any] struct {
	clock   *fakeClock
	results *store.ScanStore[R]
	adapter *fakeAdapter[R]
	scanner *Scanner[R]
}

func newHarness[R any](t *testing.T, cfg Config[R], m store.Mapping[R], a *fakeAdapter[R], writes bool) *harness[R] {
	t.Helper()

	clock := newFakeClock()
	results, err := store.NewScanStore(context.Background(), store.OpenMemory(t), m, store.ScanConfig{
		Now:    clock.Now,
		Logger: observability.NopLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create scan store: %v", err)
	}

	cfg.Now = clock.Now
	cfg.Sleep = clock.Sleep
	cfg.Logger = observability.NopLogger()

	var q *upsert.Queue[R]
	if writes {
		ctx, cancel := context.WithCancel(context.Background())
		q = upsert.New[R](cfg.Provider, results, observability.NopLogger())
		if err := q.Init(ctx); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		t.Cleanup(func() {
			_ = q.Close()
			cancel()
		})
	}

	return &harness[R]{
		clock:   clock,
		results: results,
		adapter: a,
		scanner: NewScanner(cfg, a, results, q, nil, nil),
	}
}

func newVT(t *testing.T, a *fakeAdapter[types.VirusTotalReport], opts ...func(*Config[types.VirusTotalReport])) *harness[types.VirusTotalReport] {
	t.Helper()
	a.name = types.ProviderVirusTotal
	cfg := VirusTotalDefaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newHarness(t, cfg, store.VirusTotalMapping, a, false)
}

func allowUpload(c *Config[types.VirusTotalReport]) { c.AllowUpload = true }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func onlyFile[R any](t *testing.T, st ScanStatus[R]) FileScanResult[R] {
	t.Helper()
	if st.Phase != PhaseCompleted || st.Result == nil {
		t.Fatalf("status = %+v, want completed", st)
	}
	if len(st.Result.Files) != 1 {
		t.Fatalf("files = %+v, want one", st.Result.Files)
	}
	return st.Result.Files[0]
}

func TestScanner_FoundWithGivenHash(t *testing.T) {
	t.Parallel()

	h := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(4)})
	ctx := context.Background()

	st := h.scanner.ScanPackage(ctx, Request{
		Package: "com.example.app",
		Files:   []FileInput{{Path: "/data/app/base.apk", SHA256: strings.ToUpper(shaA)}},
	})

	f := onlyFile(t, st)
	if f.Outcome != FileFound || f.Record == nil || f.Record.Malicious != 4 {
		t.Errorf("file = %+v, want found with 4 detections", f)
	}
	if f.SHA256 != shaA {
		t.Errorf("SHA256 = %q, want lowercase %q", f.SHA256, shaA)
	}

	row, err := h.results.Find(ctx, store.ScanKey{PackageName: "com.example.app", FilePath: "/data/app/base.apk", SHA256: shaA})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if row.Outcome != store.OutcomeFound || row.Record.Malicious != 4 || row.RawResponse != "{}" {
		t.Errorf("row = %+v", row)
	}
	if got, ok := h.scanner.State("com.example.app"); !ok || got.Phase != PhaseCompleted {
		t.Errorf("State() = %+v, %v", got, ok)
	}
}

func TestScanner_ComputesMissingHash(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "lib.so", "native code")
	want, err := digest.HashFile(context.Background(), path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}

	a := &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)}
	h := newVT(t, a)
	st := h.scanner.ScanPackage(context.Background(), Request{Package: "com.example.app", Files: []FileInput{{Path: path}}})

	if f := onlyFile(t, st); f.SHA256 != want {
		t.Errorf("SHA256 = %q, want %q", f.SHA256, want)
	}
	if len(a.lookups) != 1 || a.lookups[0] != want {
		t.Errorf("lookups = %v, want [%s]", a.lookups, want)
	}
}

func TestScanner_MissingFileIsFileError(t *testing.T) {
	t.Parallel()

	h := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)})
	st := h.scanner.ScanPackage(context.Background(), Request{
		Package: "com.example.app",
		Files:   []FileInput{{Path: filepath.Join(t.TempDir(), "gone.apk")}},
	})

	f := onlyFile(t, st)
	if f.Outcome != FileError || !strings.Contains(f.Error, "failed to pull file") {
		t.Errorf("file = %+v, want pull error", f)
	}
}

func TestScanner_InvalidHashSkipped(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)}
	h := newVT(t, a)
	st := h.scanner.ScanPackage(context.Background(), Request{
		Package: "com.example.app",
		Files: []FileInput{
			{Path: "/a.apk", SHA256: "not-a-hash"},
			{Path: "/b.apk", SHA256: shaA},
		},
	})

	if st.Phase != PhaseCompleted {
		t.Fatalf("Phase = %v, want completed", st.Phase)
	}
	if st.Result.FilesAttempted != 2 || st.Result.FilesSkippedInvalidHash != 1 || len(st.Result.Files) != 1 {
		t.Errorf("result = %+v", st.Result)
	}
	if n, _, _ := a.counts(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
}

func TestScanner_NotFoundWithoutUpload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  []func(*Config[types.VirusTotalReport])
		file  string
		setup bool
	}{
		{name: "uploads disabled", file: "base.apk"},
		{name: "type not uploadable", opts: []func(*Config[types.VirusTotalReport]){allowUpload}, file: "classes.dex", setup: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := &fakeAdapter[types.VirusTotalReport]{lookup: vtNotFound}
			h := newVT(t, a, tt.opts...)
			path := "/data/app/" + tt.file
			if tt.setup {
				path = writeFile(t, tt.file, "dex")
			}

			st := h.scanner.ScanPackage(context.Background(), Request{
				Package: "com.example.app",
				Files:   []FileInput{{Path: path, SHA256: shaA}},
			})
			if f := onlyFile(t, st); f.Outcome != FileNotFound {
				t.Errorf("Outcome = %q, want not_found", f.Outcome)
			}
			if _, submits, _ := a.counts(); submits != 0 {
				t.Errorf("submits = %d, want 0", submits)
			}

			row, err := h.results.Find(context.Background(), store.ScanKey{PackageName: "com.example.app", FilePath: path, SHA256: shaA})
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if row.Outcome != store.OutcomeNotFound {
				t.Errorf("row outcome = %q, want not_found", row.Outcome)
			}
		})
	}
}

func TestScanner_UploadAndPoll(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "base.apk", "apk bytes")
	sha, err := digest.HashFile(context.Background(), path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}

	a := &fakeAdapter[types.VirusTotalReport]{
		lookup: vtNotFound,
		submit: func(string) (provider.JobHandle, error) {
			return provider.NewJobHandle(types.ProviderVirusTotal, "analysis-1", ""), nil
		},
		poll: func(n int, _ provider.JobHandle) (provider.Result[types.VirusTotalReport], error) {
			if n == 1 {
				return provider.Result[types.VirusTotalReport]{}, provider.Pending(types.ProviderVirusTotal, "poll")
			}
			return provider.Result[types.VirusTotalReport]{Record: types.VirusTotalReport{Harmless: 60}}, nil
		},
	}
	h := newVT(t, a, allowUpload)

	st := h.scanner.ScanPackage(context.Background(), Request{Package: "com.example.app", Files: []FileInput{{Path: path}}})

	f := onlyFile(t, st)
	if f.Outcome != FileFound || f.Record.Harmless != 60 {
		t.Errorf("file = %+v, want found after polling", f)
	}
	if len(a.polls) != 2 {
		t.Fatalf("polls = %d, want 2", len(a.polls))
	}
	if a.polls[0].SHA256 != sha {
		t.Errorf("handle SHA256 = %q, want %q", a.polls[0].SHA256, sha)
	}
	if _, err := h.results.BySHA256(context.Background(), sha); err != nil {
		t.Errorf("BySHA256() error = %v, want stored report", err)
	}
}

func TestScanner_PollTimeoutParksThenCheckPendingResolves(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "base.apk", "slow apk")
	a := &fakeAdapter[types.VirusTotalReport]{
		lookup: vtNotFound,
		submit: func(string) (provider.JobHandle, error) {
			return provider.NewJobHandle(types.ProviderVirusTotal, "analysis-slow", ""), nil
		},
	}
	h := newVT(t, a, allowUpload)
	ctx := context.Background()

	start := h.clock.Now()
	st := h.scanner.ScanPackage(ctx, Request{Package: "com.example.app", Files: []FileInput{{Path: path}}})

	if f := onlyFile(t, st); f.Outcome != FilePending {
		t.Fatalf("Outcome = %q, want pending", f.Outcome)
	}
	if elapsed := h.clock.Now().Sub(start); elapsed < DefaultFileTimeout {
		t.Errorf("gave up after %v, want at least %v", elapsed, DefaultFileTimeout)
	}

	pending, err := h.results.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending() = %d rows, want 1", len(pending))
	}
	var handle provider.JobHandle
	if err := json.Unmarshal([]byte(pending[0].PendingJob), &handle); err != nil {
		t.Fatalf("job handle not JSON: %v", err)
	}
	if handle.RemoteID != "analysis-slow" || handle.SHA256 != pending[0].Key.SHA256 {
		t.Errorf("handle = %+v", handle)
	}

	a.poll = func(int, provider.JobHandle) (provider.Result[types.VirusTotalReport], error) {
		return provider.Result[types.VirusTotalReport]{Record: types.VirusTotalReport{Malicious: 1}}, nil
	}
	n, err := h.scanner.CheckPending(ctx)
	if err != nil {
		t.Fatalf("CheckPending() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CheckPending() = %d, want 1", n)
	}

	if pending, _ := h.results.Pending(ctx); len(pending) != 0 {
		t.Errorf("Pending() after check = %d rows, want 0", len(pending))
	}
	got, _ := h.scanner.State("com.example.app")
	if f := onlyFile(t, got); f.Outcome != FileFound || f.Record.Malicious != 1 {
		t.Errorf("refreshed file = %+v", f)
	}
}

func TestScanner_RateLimitedLookupRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failures    int
		wantCalls   int
		wantOutcome FileOutcome
	}{
		{name: "recovers after cooldown", failures: 2, wantCalls: 3, wantOutcome: FileFound},
		{name: "gives up after retries", failures: 10, wantCalls: 1 + DefaultRateLimitRetries, wantOutcome: FileRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := &fakeAdapter[types.VirusTotalReport]{
				lookup: func(n int, _ string) (provider.Result[types.VirusTotalReport], error) {
					if n <= tt.failures {
						return provider.Result[types.VirusTotalReport]{}, provider.RateLimited(types.ProviderVirusTotal, "lookup", 0)
					}
					return provider.Result[types.VirusTotalReport]{}, nil
				},
			}
			h := newVT(t, a)
			start := h.clock.Now()

			st := h.scanner.ScanPackage(context.Background(), Request{
				Package: "com.example.app",
				Files:   []FileInput{{Path: "/base.apk", SHA256: shaA}},
			})

			if f := onlyFile(t, st); f.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", f.Outcome, tt.wantOutcome)
			}
			if n, _, _ := a.counts(); n != tt.wantCalls {
				t.Errorf("lookups = %d, want %d", n, tt.wantCalls)
			}
			if elapsed := h.clock.Now().Sub(start); elapsed < 2*time.Minute {
				t.Errorf("elapsed = %v, want two 60s cooldowns", elapsed)
			}
		})
	}
}

func TestScanner_HybridAnalysisUploadQuota(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter[types.HybridAnalysisReport]{
		name: types.ProviderHybridAnalysis,
		lookup: func(int, string) (provider.Result[types.HybridAnalysisReport], error) {
			return provider.Result[types.HybridAnalysisReport]{}, provider.NotFound(types.ProviderHybridAnalysis, "lookup")
		},
		submit: func(string) (provider.JobHandle, error) {
			return provider.JobHandle{}, provider.RateLimited(types.ProviderHybridAnalysis, "submit", 0)
		},
	}
	cfg := HybridAnalysisDefaults()
	cfg.AllowUpload = true
	h := newHarness(t, cfg, store.HybridAnalysisMapping, a, true)
	ctx := context.Background()

	first := writeFile(t, "first.apk", "one")
	st := h.scanner.ScanPackage(ctx, Request{Package: "com.first.app", Files: []FileInput{{Path: first}}})

	f := onlyFile(t, st)
	if f.Outcome != FileRateLimited || f.Record == nil || f.Record.State != types.HAStateRateLimited {
		t.Fatalf("file = %+v, want rate_limited record", f)
	}
	wantUntil := h.clock.Now().Add(DefaultUploadCooldown).Unix()
	if f.Record.WaitUntil == nil || *f.Record.WaitUntil != wantUntil {
		t.Errorf("WaitUntil = %v, want %d", f.Record.WaitUntil, wantUntil)
	}
	if d := h.scanner.UploadLimiter().CoolingDown(); d < 23*time.Hour {
		t.Errorf("upload cooldown = %v, want about 24h", d)
	}
	if d := h.scanner.Limiter().CoolingDown(); d != 0 {
		t.Errorf("lookup cooldown = %v, want none", d)
	}

	second := writeFile(t, "second.so", "two")
	st = h.scanner.ScanPackage(ctx, Request{Package: "com.second.app", Files: []FileInput{{Path: second}}})
	if f := onlyFile(t, st); f.Outcome != FileRateLimited {
		t.Errorf("second Outcome = %q, want rate_limited", f.Outcome)
	}
	if _, submits, _ := a.counts(); submits != 1 {
		t.Errorf("submits = %d, want 1 while the quota cools down", submits)
	}

	if err := h.scanner.writes.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if _, err := h.results.BySHA256(ctx, f.SHA256); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("BySHA256() error = %v, want no stored row for a rate-limited upload", err)
	}
}

func TestScanner_UploadQuotaRetriedAfterCooldown(t *testing.T) {
	t.Parallel()

	submits := 0
	a := &fakeAdapter[types.HybridAnalysisReport]{
		name: types.ProviderHybridAnalysis,
		lookup: func(int, string) (provider.Result[types.HybridAnalysisReport], error) {
			return provider.Result[types.HybridAnalysisReport]{}, provider.NotFound(types.ProviderHybridAnalysis, "lookup")
		},
		submit: func(string) (provider.JobHandle, error) {
			submits++
			if submits == 1 {
				return provider.JobHandle{}, provider.RateLimited(types.ProviderHybridAnalysis, "submit", 0)
			}
			return provider.JobHandle{Provider: types.ProviderHybridAnalysis, RemoteID: "job-1"}, nil
		},
		poll: func(int, provider.JobHandle) (provider.Result[types.HybridAnalysisReport], error) {
			return provider.Result[types.HybridAnalysisReport]{Record: types.HybridAnalysisReport{State: types.HAStateSuccess}}, nil
		},
	}
	cfg := HybridAnalysisDefaults()
	cfg.AllowUpload = true
	h := newHarness(t, cfg, store.HybridAnalysisMapping, a, false)
	ctx := context.Background()
	req := Request{Package: "com.example.app", Files: []FileInput{{Path: writeFile(t, "base.apk", "payload")}}}

	if f := onlyFile(t, h.scanner.ScanPackage(ctx, req)); f.Outcome != FileRateLimited {
		t.Fatalf("first Outcome = %q, want rate_limited", f.Outcome)
	}

	h.clock.mu.Lock()
	h.clock.t = h.clock.t.Add(DefaultUploadCooldown + time.Hour)
	h.clock.mu.Unlock()

	f := onlyFile(t, h.scanner.ScanPackage(ctx, req))
	if f.Cached || f.Outcome != FileFound {
		t.Errorf("file after cooldown = %+v, want a fresh found result", f)
	}
	if lookups, submits, _ := a.counts(); lookups != 2 || submits != 2 {
		t.Errorf("lookups = %d, submits = %d, want 2 and 2", lookups, submits)
	}
}

func TestScanner_ReusesResultAcrossPackages(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter[types.VirusTotalReport]{name: types.ProviderVirusTotal, lookup: vtReport(2)}
	h := newHarness(t, VirusTotalDefaults(), store.VirusTotalMapping, a, true)
	ctx := context.Background()

	h.scanner.ScanPackage(ctx, Request{Package: "com.first.app", Files: []FileInput{{Path: "/first/lib.so", SHA256: shaA}}})
	if err := h.scanner.writes.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	st := h.scanner.ScanPackage(ctx, Request{Package: "com.second.app", Files: []FileInput{{Path: "/second/lib.so", SHA256: shaA}}})
	if err := h.scanner.writes.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	f := onlyFile(t, st)
	if !f.Cached || f.Outcome != FileFound || f.FilePath != "/second/lib.so" {
		t.Errorf("file = %+v, want cached found result", f)
	}
	if n, _, _ := a.counts(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
	row, err := h.results.Find(ctx, store.ScanKey{PackageName: "com.second.app", FilePath: "/second/lib.so", SHA256: shaA})
	if err != nil {
		t.Fatalf("Find(second) error = %v", err)
	}
	if row.Record.Malicious != 2 {
		t.Errorf("copied row = %+v", row)
	}
}

func TestScanner_StaleMissIsLookedUpAgain(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter[types.VirusTotalReport]{lookup: vtNotFound}
	h := newVT(t, a)
	ctx := context.Background()
	req := Request{Package: "com.example.app", Files: []FileInput{{Path: "/base.apk", SHA256: shaA}}}

	h.scanner.ScanPackage(ctx, req)
	h.scanner.ScanPackage(ctx, req)
	if n, _, _ := a.counts(); n != 1 {
		t.Fatalf("lookups = %d, want cached miss", n)
	}

	h.clock.mu.Lock()
	h.clock.t = h.clock.t.Add(store.DefaultTTL + time.Minute)
	h.clock.mu.Unlock()

	h.scanner.ScanPackage(ctx, req)
	if n, _, _ := a.counts(); n != 2 {
		t.Errorf("lookups = %d, want a new lookup after the miss expired", n)
	}
}

func TestScanner_SubmitAndProgress(t *testing.T) {
	t.Parallel()

	h := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)})
	s := h.scanner
	req := Request{Package: "com.example.app", Files: []FileInput{{Path: "/base.apk", SHA256: shaA}}}

	if !s.Submit(req) {
		t.Fatal("Submit() = false")
	}
	if s.Submit(req) {
		t.Error("Submit() of a queued package = true")
	}
	if s.Submit(Request{Package: "not valid!"}) {
		t.Error("Submit() of an invalid id = true")
	}
	if st, _ := s.State("not valid!"); st.Phase != PhaseError || st.Error != ReasonInvalidPackageID {
		t.Errorf("invalid id status = %+v", st)
	}
	if done, total := s.Progress(); done != 0 || total != 1 {
		t.Errorf("Progress() = %d/%d, want 0/1", done, total)
	}

	if _, processed := s.ProcessNext(context.Background()); !processed {
		t.Fatal("ProcessNext() processed = false")
	}
	if done, total := s.Progress(); done != 1 || total != 1 {
		t.Errorf("Progress() = %d/%d, want 1/1", done, total)
	}
	if d, processed := s.ProcessNext(context.Background()); processed || d != DefaultIdleDelay {
		t.Errorf("ProcessNext() on empty queue = %v, %v", d, processed)
	}

	if !s.Submit(Request{Package: "com.other.app"}) {
		t.Fatal("Submit() = false")
	}
	if done, total := s.Progress(); done != 0 || total != 1 {
		t.Errorf("Progress() of a new batch = %d/%d, want 0/1", done, total)
	}
}

func TestScanner_ClearQueue(t *testing.T) {
	t.Parallel()

	s := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)}).scanner
	s.Submit(Request{Package: "com.a.app"})
	s.Submit(Request{Package: "com.b.app"})

	s.ClearQueue()

	if n := s.QueueSize(); n != 0 {
		t.Errorf("QueueSize() = %d, want 0", n)
	}
	if _, ok := s.State("com.a.app"); ok {
		t.Error("cleared package still has a status")
	}
	if _, total := s.Progress(); total != 0 {
		t.Errorf("Progress() total = %d, want 0", total)
	}
}

func TestScanner_CancelAtFileBoundary(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter[types.VirusTotalReport]{}
	h := newVT(t, a)
	a.lookup = func(int, string) (provider.Result[types.VirusTotalReport], error) {
		h.scanner.Cancel()
		return provider.Result[types.VirusTotalReport]{}, nil
	}

	st := h.scanner.ScanPackage(context.Background(), Request{
		Package: "com.example.app",
		Files:   []FileInput{{Path: "/a.so", SHA256: shaA}, {Path: "/b.so", SHA256: shaB}},
	})

	if st.Phase != PhaseError || st.Error != ReasonCancelled {
		t.Errorf("status = %+v, want cancelled", st)
	}
	if n, _, _ := a.counts(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
}

func TestScanner_PanicRecovered(t *testing.T) {
	t.Parallel()

	metrics := observability.NewFetchMetrics()
	a := &fakeAdapter[types.VirusTotalReport]{
		lookup: func(int, string) (provider.Result[types.VirusTotalReport], error) {
			panic("bad payload")
		},
	}
	s := newVT(t, a, func(c *Config[types.VirusTotalReport]) { c.Metrics = metrics }).scanner
	req := Request{Package: "com.example.app", Files: []FileInput{{Path: "/base.apk", SHA256: shaA}}}

	s.Submit(req)
	delay, processed := s.ProcessNext(context.Background())
	if !processed || delay != DefaultPanicDelay {
		t.Errorf("ProcessNext() = %v, %v, want panic delay", delay, processed)
	}

	st, _ := s.State("com.example.app")
	if st.Phase != PhaseError || st.Error != "internal error: bad payload" {
		t.Errorf("status = %+v, want internal error", st)
	}
	if done, total := s.Progress(); done != 1 || total != 1 {
		t.Errorf("Progress() = %d/%d, want 1/1", done, total)
	}
	if stat := metrics.Snapshot().Providers[types.ProviderVirusTotal]; stat.Panics != 1 {
		t.Errorf("metrics = %+v, want one panic", stat)
	}
	if !s.Submit(req) {
		t.Error("Submit() after a panic = false, want the package accepted again")
	}
}

func TestScanner_EarlierCancelDoesNotAbortNextPackage(t *testing.T) {
	t.Parallel()

	s := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)}).scanner
	s.Cancel()
	s.Submit(Request{Package: "com.example.app", Files: []FileInput{{Path: "/base.apk", SHA256: shaA}}})

	s.ProcessNext(context.Background())
	if st, _ := s.State("com.example.app"); st.Phase != PhaseCompleted {
		t.Errorf("status = %+v, want completed", st)
	}
}

func TestScanner_Init(t *testing.T) {
	t.Parallel()

	h := newVT(t, &fakeAdapter[types.VirusTotalReport]{lookup: vtReport(0)})
	ctx := context.Background()
	if err := h.results.Upsert(ctx, store.ScanRow[types.VirusTotalReport]{
		Key:     store.ScanKey{PackageName: "com.done.app", FilePath: "/base.apk", SHA256: shaA},
		Outcome: store.OutcomeFound,
		Record:  types.VirusTotalReport{Suspicious: 1},
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := h.scanner.Init(ctx, []string{"com.done.app", "com.new.app"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	done, _ := h.scanner.State("com.done.app")
	if f := onlyFile(t, done); f.Outcome != FileFound || !f.Cached || f.Record.Suspicious != 1 {
		t.Errorf("restored file = %+v", f)
	}
	if st, ok := h.scanner.State("com.new.app"); !ok || st.Phase != PhasePending {
		t.Errorf("new package status = %+v, %v", st, ok)
	}

	if err := h.scanner.Init(ctx, nil); err != nil {
		t.Fatalf("Init(nil) error = %v", err)
	}
	if n := len(h.scanner.States()); n != 2 {
		t.Errorf("States() = %d entries, want 2", n)
	}
}

func TestScanner_StartStop(t *testing.T) {
	t.Parallel()

	results, err := store.NewScanStore(context.Background(), store.OpenMemory(t), store.VirusTotalMapping, store.ScanConfig{
		Logger: observability.NopLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create scan store: %v", err)
	}
	a := &fakeAdapter[types.VirusTotalReport]{name: types.ProviderVirusTotal, lookup: vtReport(0)}
	s := NewScanner(Config[types.VirusTotalReport]{
		Limits:    ratelimit.Config{Name: "test"},
		IdleDelay: time.Millisecond,
		Logger:    observability.NopLogger(),
	}, a, results, nil, nil, nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Submit(Request{Package: "com.example.app", Files: []FileInput{{Path: "/base.apk", SHA256: shaA}}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := s.State("com.example.app"); st.Phase == PhaseCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("package not scanned before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop()
	if s.Provider() != types.ProviderVirusTotal {
		t.Errorf("Provider() = %q", s.Provider())
	}
}

func TestIsUploadable(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"/data/app/base.apk":       true,
		"/lib/arm64/libfoo.so":     true,
		"/data/app/SPLIT.APK":      true,
		"/data/app/classes.dex":    false,
		"/data/app/resources.so.1": false,
	}
	for path, want := range tests {
		if got := IsUploadable(path); got != want {
			t.Errorf("IsUploadable(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestLocalSource_Pull(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data", "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", "app", "base.apk"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := LocalSource{Root: root}
	local, release, err := src.Pull(context.Background(), "com.example.app", "/data/app/base.apk")
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	release()
	if local != filepath.Join(root, "data", "app", "base.apk") {
		t.Errorf("local = %q", local)
	}

	if _, _, err := src.Pull(context.Background(), "com.example.app", "/data/app"); err == nil {
		t.Error("Pull(directory) error = nil")
	}
}

func TestLocalSource_ListAPKs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "data", "app", "com.example.app-1")
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"split_config.arm64_v8a.apk", "base.apk", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got, err := LocalSource{Root: root}.ListAPKs(context.Background(), "com.example.app", "/data/app/com.example.app-1/")
	if err != nil {
		t.Fatalf("ListAPKs() error = %v", err)
	}
	want := []string{"/data/app/com.example.app-1/base.apk", "/data/app/com.example.app-1/split_config.arm64_v8a.apk"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ListAPKs() = %v, want %v", got, want)
	}

	if _, err := (LocalSource{Root: root}).ListAPKs(context.Background(), "com.example.app", "/missing"); err == nil {
		t.Error("ListAPKs(missing) error = nil")
	}
}

// ABOUTME: Builds every provider queue, worker, scanner and table from configuration
// ABOUTME: Owns the shared SQLite handle, digest memo and metrics for the outer surfaces

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/config"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/contribute"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/digest"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/fetch"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/resilience"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/upsert"
)

// ErrUnknownProvider is returned for a provider name that is not configured.
var ErrUnknownProvider = errors.New("unknown or disabled provider")

// ErrContributionsDisabled is returned when the APKMirror upload worker is not configured.
var ErrContributionsDisabled = errors.New("apkmirror contributions disabled")

// Option customises New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	source     scan.FileSource
	db         *sql.DB
	memDigests bool
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHTTPClient shares one HTTP client across all adapters.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithFileSource sets how scanners obtain local copies of package files.
func WithFileSource(s scan.FileSource) Option { return func(o *options) { o.source = s } }

// WithDB uses db instead of opening the configured database file.
// The caller keeps ownership of db.
func WithDB(db *sql.DB) Option { return func(o *options) { o.db = db } }

// WithInMemoryDigests keeps the digest memo in memory.
func WithInMemoryDigests() Option { return func(o *options) { o.memDigests = true } }

// writeQueue is the lifecycle of an upsert.Queue of any record type.
type writeQueue interface {
	Init(ctx context.Context) error
	Close() error
}

// Service holds every configured provider.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	ownsDB  bool
	digests *digest.Memo
	metrics *observability.FetchMetrics

	fetchers    map[string]Fetcher
	scanners    map[string]Scanner
	writes      []writeQueue
	contributor *contribute.Worker

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds the components of every enabled provider.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  observability.NewFetchMetrics(),
		fetchers: make(map[string]Fetcher),
		scanners: make(map[string]Scanner),
	}

	s.db = o.db
	if s.db == nil {
		db, err := store.Open(cfg.DatabasePath(), store.WithMkdirAll())
		if err != nil {
			return nil, err
		}
		s.db, s.ownsDB = db, true
	}

	if err := s.build(ctx, o); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info("service built",
		slog.Any("fetchers", s.FetcherNames()),
		slog.Any("scanners", s.ScannerNames()),
	)
	return s, nil
}

func (s *Service) build(ctx context.Context, o options) error {
	p := s.cfg.Providers
	httpCfg := func(timeout config.Duration, baseURL, ua string) provider.HTTPConfig {
		return provider.HTTPConfig{Client: o.httpClient, Timeout: timeout.Std(), BaseURL: baseURL, UserAgent: ua, Logger: s.logger}
	}

	if p.GooglePlay.Enabled {
		a := provider.NewGooglePlay(provider.GooglePlayConfig{
			HTTP:       httpCfg(p.GooglePlay.Timeout, p.GooglePlay.BaseURL, p.GooglePlay.UserAgent),
			FetchIcons: p.GooglePlay.FetchIcons,
		})
		if err := addFetcher(ctx, s, a, store.GooglePlayMapping, p.GooglePlay); err != nil {
			return err
		}
	}
	if p.FDroid.Enabled {
		a := provider.NewFDroid(provider.FDroidConfig{
			HTTP:       httpCfg(p.FDroid.Timeout, p.FDroid.BaseURL, p.FDroid.UserAgent),
			FetchIcons: p.FDroid.FetchIcons,
		})
		if err := addFetcher(ctx, s, a, store.FDroidMapping, p.FDroid); err != nil {
			return err
		}
	}
	if p.APKMirror.Enabled {
		a := provider.NewAPKMirror(provider.APKMirrorConfig{
			HTTP:       httpCfg(p.APKMirror.Timeout, p.APKMirror.BaseURL, p.APKMirror.UserAgent),
			Email:      p.APKMirror.Email,
			Name:       p.APKMirror.Name,
			FetchIcons: p.APKMirror.FetchIcons,
		})
		if err := addFetcher(ctx, s, a, store.APKMirrorMapping, p.APKMirror.FetcherConfig); err != nil {
			return err
		}
		if p.APKMirror.Contribute {
			s.contributor = contribute.NewWorker(contribute.Config{
				Pace:    p.APKMirror.UploadPace.Std(),
				Logger:  s.logger,
				Metrics: s.metrics,
			}, contribute.NewQueue(), a, o.source, ratelimit.New(ratelimit.Config{
				Name:   contribute.Name,
				Logger: s.logger,
			}))
		}
	}

	if !p.VirusTotal.Enabled && !p.HybridAnalysis.Enabled {
		return nil
	}

	memo, err := digest.Open(digest.Config{
		Path:     s.cfg.DigestPath(),
		InMemory: o.memDigests,
		TTL:      s.cfg.Digest.TTL.Std(),
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	s.digests = memo

	if p.VirusTotal.Enabled {
		a := provider.NewVirusTotal(provider.VirusTotalConfig{
			HTTP:   httpCfg(p.VirusTotal.Timeout, p.VirusTotal.BaseURL, ""),
			APIKey: p.VirusTotal.APIKey,
		})
		if err := addScanner(ctx, s, o, a, store.VirusTotalMapping, scan.VirusTotalDefaults(), p.VirusTotal); err != nil {
			return err
		}
	}
	if p.HybridAnalysis.Enabled {
		a := provider.NewHybridAnalysis(provider.HybridAnalysisConfig{
			HTTP:   httpCfg(p.HybridAnalysis.Timeout, p.HybridAnalysis.BaseURL, ""),
			APIKey: p.HybridAnalysis.APIKey,
		})
		if err := addScanner(ctx, s, o, a, store.HybridAnalysisMapping, scan.HybridAnalysisDefaults(), p.HybridAnalysis); err != nil {
			return err
		}
	}
	return nil
}

// transientOnly trips breakers on outages, not on misses or throttling.
func transientOnly(err error) bool {
	return err != nil && provider.Classify(err) == provider.KindTransient
}

func addFetcher[R any](ctx context.Context, s *Service, a provider.Fetcher[R], m store.Mapping[R], fc config.FetcherConfig) error {
	name := a.Name()
	cache, err := store.NewCacheStore(ctx, s.db, m, store.CacheConfig{
		TTL:    s.cfg.Database.CacheTTL.Std(),
		Logger: s.logger,
	})
	if err != nil {
		return err
	}

	wc, limits := fetch.ProviderDefaults(name)
	if fc.Pace > 0 {
		wc.Pace = fc.Pace.Std()
		limits.MinInterval = wc.Pace
	}
	if fc.RateLimitBackoff > 0 {
		wc.RateLimitBackoff = fc.RateLimitBackoff.Std()
	}
	wc.Logger = s.logger
	wc.Metrics = s.metrics

	limiter := ratelimit.New(ratelimit.Config{
		Name:        name,
		MinInterval: limits.MinInterval,
		Windows:     limits.Windows,
		Logger:      s.logger,
	})
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      name,
		IsFailure: transientOnly,
		Logger:    s.logger,
	})
	queue := fetch.NewQueue[R]()

	s.fetchers[name] = &fetchProvider[R]{
		name:    name,
		queue:   queue,
		cache:   cache,
		breaker: breaker,
		worker:  fetch.NewWorker(wc, queue, cache, a, limiter, breaker),
	}
	return nil
}

func addScanner[R any](
	ctx context.Context,
	s *Service,
	o options,
	a provider.ScanAdapter[R],
	m store.Mapping[R],
	sc scan.Config[R],
	cfg config.ScannerConfig,
) error {
	results, err := store.NewScanStore(ctx, s.db, m, store.ScanConfig{
		TTL:    s.cfg.Database.CacheTTL.Std(),
		Logger: s.logger,
	})
	if err != nil {
		return err
	}

	sc.AllowUpload = cfg.AllowUpload
	if cfg.FileTimeout > 0 {
		sc.FileTimeout = cfg.FileTimeout.Std()
	}
	if cfg.PollInterval > 0 {
		sc.PollInterval = cfg.PollInterval.Std()
	}
	if cfg.RateLimitBackoff > 0 {
		sc.RateLimitBackoff = cfg.RateLimitBackoff.Std()
	}
	sc.Logger = s.logger
	sc.Metrics = s.metrics

	writes := upsert.New[R](a.Name(), results, s.logger)
	s.writes = append(s.writes, writes)
	s.scanners[a.Name()] = &scanProvider[R]{
		scanner: scan.NewScanner(sc, a, results, writes, o.source, s.digests),
		results: results,
		writes:  writes,
	}
	return nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Metrics returns the shared provider metrics.
func (s *Service) Metrics() *observability.FetchMetrics { return s.metrics }

// Digests returns the digest memo, or nil when no scanner is enabled.
func (s *Service) Digests() *digest.Memo { return s.digests }

// Contributor returns the APKMirror upload worker.
func (s *Service) Contributor() (*contribute.Worker, error) {
	if s.contributor == nil {
		return nil, ErrContributionsDisabled
	}
	return s.contributor, nil
}

// Fetcher returns the metadata provider called name.
func (s *Service) Fetcher(name string) (Fetcher, error) {
	f, ok := s.fetchers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f, nil
}

// Scanner returns the malware scanner called name.
func (s *Service) Scanner(name string) (Scanner, error) {
	sc, ok := s.scanners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return sc, nil
}

// Table returns the cache or scan table of any provider.
func (s *Service) Table(name string) (Table, error) {
	if f, ok := s.fetchers[name]; ok {
		return f.Cache(), nil
	}
	if sc, ok := s.scanners[name]; ok {
		return sc.Cache(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// FetcherNames lists the enabled metadata providers in a stable order.
func (s *Service) FetcherNames() []string { return sortedKeys(s.fetchers) }

// ScannerNames lists the enabled scanners in a stable order.
func (s *Service) ScannerNames() []string { return sortedKeys(s.scanners) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Start wires the write queues, restores scanner state and starts every loop.
// It is a no-op while running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, w := range s.writes {
		if err := w.Init(ctx); err != nil {
			return err
		}
	}
	for _, name := range s.ScannerNames() {
		sc := s.scanners[name]
		if err := sc.Init(ctx, nil); err != nil {
			return fmt.Errorf("restoring %s scanner: %w", name, err)
		}
		sc.Start(ctx)
	}
	for _, name := range s.FetcherNames() {
		s.fetchers[name].Start(ctx)
	}
	if s.contributor != nil {
		s.contributor.Start(ctx)
	}
	s.started = true
	return nil
}

// StartWrites initialises only the scan write queues, for one-shot commands
// that drive scanners directly.
func (s *Service) StartWrites(ctx context.Context) error {
	for _, w := range s.writes {
		if err := w.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every worker and scanner loop. Close drains the write queues.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	var wg sync.WaitGroup
	for _, f := range s.fetchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Stop()
		}()
	}
	for _, sc := range s.scanners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.Stop()
		}()
	}
	if s.contributor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.contributor.Stop()
		}()
	}
	wg.Wait()
	s.started = false
	s.logger.Info("service stopped")
}

// Close stops the service and releases the database and digest memo.
func (s *Service) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, w := range s.writes {
		if err := w.Close(); err != nil && !errors.Is(err, upsert.ErrNotInitialized) {
			errs = append(errs, err)
		}
	}
	if s.digests != nil {
		if err := s.digests.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsDB && s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health reports whether the database answers.
func (s *Service) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Providers lists every provider name known to the module, enabled or not.
func Providers() []string {
	return append(slices.Clone(types.MetadataProviders), types.ScanProviders...)
}

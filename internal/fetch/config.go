// ABOUTME: Worker timing configuration and per-provider defaults
// ABOUTME: Pace, rate-limit backoff and cache-priority reordering per metadata provider

package fetch

import (
	"log/slog"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// Timing shared by every provider.
const (
	DefaultStartupDelay  = 500 * time.Millisecond
	DefaultCacheHitDelay = 50 * time.Millisecond
	DefaultIdleDelay     = 500 * time.Millisecond
	DefaultPanicDelay    = 30 * time.Second
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Provider names the worker in logs, spans and metrics.
	Provider string

	// Pace is the sleep after a network fetch.
	Pace time.Duration

	// RateLimitBackoff is the sleep after a rate-limit response and the
	// floor of the cooldown it arms.
	RateLimitBackoff time.Duration

	StartupDelay  time.Duration
	CacheHitDelay time.Duration
	IdleDelay     time.Duration
	PanicDelay    time.Duration

	// CachePriority serves pending ids with fresh cache rows first.
	CachePriority bool

	Now     func() time.Time
	Sleep   ratelimit.Sleeper
	Logger  *slog.Logger
	Metrics *observability.FetchMetrics
}

// Limits is the request budget of a provider.
type Limits struct {
	MinInterval time.Duration
	Windows     []ratelimit.Window
}

// ProviderDefaults returns the worker config and limits for a metadata provider.
// Unknown providers get the Google Play timings.
func ProviderDefaults(provider string) (WorkerConfig, Limits) {
	cfg := WorkerConfig{
		Provider:         provider,
		Pace:             2 * time.Second,
		RateLimitBackoff: 60 * time.Second,
	}
	if provider == types.ProviderAPKMirror {
		cfg.Pace = 30 * time.Second
		cfg.RateLimitBackoff = 120 * time.Second
		cfg.CachePriority = true
	}
	cfg.applyDefaults()
	return cfg, Limits{MinInterval: cfg.Pace}
}

func (c *WorkerConfig) applyDefaults() {
	if c.StartupDelay == 0 {
		c.StartupDelay = DefaultStartupDelay
	}
	if c.CacheHitDelay == 0 {
		c.CacheHitDelay = DefaultCacheHitDelay
	}
	if c.IdleDelay == 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.PanicDelay == 0 {
		c.PanicDelay = DefaultPanicDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = ratelimit.SleepContext
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ABOUTME: Scanner configuration and the VirusTotal and Hybrid Analysis defaults
// ABOUTME: Request budgets, per-file deadlines, upload cooldowns and provider record hooks

package scan

import (
	"log/slog"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/provider"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// Defaults shared by both scanners.
const (
	DefaultFileTimeout      = 60 * time.Second
	DefaultPollInterval     = 10 * time.Second
	DefaultRateLimitRetries = 2
	DefaultIdleDelay        = 500 * time.Millisecond
	DefaultPanicDelay       = 30 * time.Second

	// DefaultUploadCooldown is how long Hybrid Analysis uploads pause after a quota hit.
	DefaultUploadCooldown = 24 * time.Hour
)

// Records builds provider records for outcomes the provider did not report itself.
// A nil hook stores the zero record.
type Records[R any] struct {
	NotFound    func() R
	Pending     func(h provider.JobHandle) R
	RateLimited func(until time.Time) R
}

// Config configures a Scanner.
type Config[R any] struct {
	Provider string

	// AllowUpload submits unknown .apk and .so files for analysis.
	AllowUpload bool

	// FileTimeout bounds polling of one submission before it is parked as pending.
	FileTimeout  time.Duration
	PollInterval time.Duration

	// RateLimitBackoff floors the cooldown armed by a rate-limit response.
	RateLimitBackoff time.Duration

	// RateLimitRetries is how often a rate-limited lookup is retried after the cooldown.
	RateLimitRetries int

	Limits ratelimit.Config

	// UploadLimits, when set, back uploads with a separate limiter whose
	// rate-limit cooldown is UploadCooldown.
	UploadLimits   *ratelimit.Config
	UploadCooldown time.Duration

	Records Records[R]

	IdleDelay  time.Duration
	PanicDelay time.Duration
	Now        func() time.Time
	Sleep      ratelimit.Sleeper
	Logger     *slog.Logger
	Metrics    *observability.FetchMetrics
}

func (c *Config[R]) applyDefaults() {
	if c.FileTimeout == 0 {
		c.FileTimeout = DefaultFileTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RateLimitRetries == 0 {
		c.RateLimitRetries = DefaultRateLimitRetries
	}
	if c.UploadLimits != nil && c.UploadCooldown == 0 {
		c.UploadCooldown = DefaultUploadCooldown
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
	if c.Limits.Name == "" {
		c.Limits.Name = c.Provider
	}
}

// VirusTotalDefaults allows 4 requests per minute, 5s apart.
func VirusTotalDefaults() Config[types.VirusTotalReport] {
	return Config[types.VirusTotalReport]{
		Provider:         types.ProviderVirusTotal,
		RateLimitBackoff: 60 * time.Second,
		Limits: ratelimit.Config{
			Name:        types.ProviderVirusTotal,
			MinInterval: 5 * time.Second,
			Windows:     []ratelimit.Window{{Limit: 4, Period: time.Minute}},
		},
	}
}

// HybridAnalysisDefaults allows 100 requests per minute and 1500 per hour, 3s apart.
// Uploads use their own limiter with a 24h cooldown.
func HybridAnalysisDefaults() Config[types.HybridAnalysisReport] {
	return Config[types.HybridAnalysisReport]{
		Provider:         types.ProviderHybridAnalysis,
		RateLimitBackoff: provider.HybridAnalysisRetryAfter,
		Limits: ratelimit.Config{
			Name:        types.ProviderHybridAnalysis,
			MinInterval: 3 * time.Second,
			Windows: []ratelimit.Window{
				{Limit: 100, Period: time.Minute},
				{Limit: 1500, Period: time.Hour},
			},
		},
		UploadLimits: &ratelimit.Config{
			Name:        types.ProviderHybridAnalysis + "_upload",
			MinInterval: 3 * time.Second,
		},
		UploadCooldown: DefaultUploadCooldown,
		Records: Records[types.HybridAnalysisReport]{
			NotFound: func() types.HybridAnalysisReport {
				return types.HybridAnalysisReport{State: types.HAStateNotFound}
			},
			Pending: func(h provider.JobHandle) types.HybridAnalysisReport {
				return types.HybridAnalysisReport{JobID: h.RemoteID, State: types.HAStatePendingAnalysis}
			},
			RateLimited: func(until time.Time) types.HybridAnalysisReport {
				ts := until.Unix()
				return types.HybridAnalysisReport{State: types.HAStateRateLimited, WaitUntil: &ts}
			},
		},
	}
}

func (r Records[R]) notFound() R {
	if r.NotFound == nil {
		var zero R
		return zero
	}
	return r.NotFound()
}

func (r Records[R]) pending(h provider.JobHandle) R {
	if r.Pending == nil {
		var zero R
		return zero
	}
	return r.Pending(h)
}

func (r Records[R]) rateLimited(until time.Time) R {
	if r.RateLimited == nil {
		var zero R
		return zero
	}
	return r.RateLimited(until)
}

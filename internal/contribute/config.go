// ABOUTME: Contribution worker timing
// ABOUTME: Spacing between uploads, idle polling and the quota recheck interval

package contribute

import (
	"log/slog"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
)

// Name labels the worker in logs, spans and metrics.
const Name = "apkmirror_upload"

const (
	DefaultPace         = 10 * time.Second
	DefaultIdleDelay    = 500 * time.Millisecond
	DefaultQuotaRecheck = 60 * time.Second
	DefaultPanicDelay   = 30 * time.Second
)

// Config configures a Worker.
type Config struct {
	// Pace is the sleep after each finished item.
	Pace time.Duration

	IdleDelay time.Duration

	// QuotaRecheck is the longest sleep while the upload quota is exhausted.
	QuotaRecheck time.Duration

	PanicDelay time.Duration

	Now     func() time.Time
	Sleep   ratelimit.Sleeper
	Logger  *slog.Logger
	Metrics *observability.FetchMetrics
}

func (c *Config) applyDefaults() {
	if c.Pace == 0 {
		c.Pace = DefaultPace
	}
	if c.IdleDelay == 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.QuotaRecheck == 0 {
		c.QuotaRecheck = DefaultQuotaRecheck
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

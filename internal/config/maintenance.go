// ABOUTME: Maintenance loop configuration for the daemon
// ABOUTME: Stale not-found purges, pending submission checks and retry backoff

package config

import (
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/ratelimit"
)

// MaintenanceConfig configures periodic cache upkeep.
type MaintenanceConfig struct {
	// Enabled controls whether the daemon runs the maintenance loop.
	Enabled bool `yaml:"enabled"`

	// Interval between purges of stale not-found rows.
	Interval Duration `yaml:"interval"`

	// PendingInterval between re-polls of parked scan submissions.
	PendingInterval Duration `yaml:"pending_interval"`

	// Retry configures the delay after a failed round.
	// If nil, uses DefaultRetryConfig().
	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// GetRetry returns the retry configuration, using defaults if not set.
func (c *MaintenanceConfig) GetRetry() ratelimit.BackoffConfig {
	r := DefaultRetryConfig()
	if c.Retry != nil {
		r = *c.Retry
	}
	return ratelimit.BackoffConfig{
		InitialDelay:   r.InitialDelay.Std(),
		MaxDelay:       r.MaxDelay.Std(),
		Multiplier:     r.Multiplier,
		JitterFraction: r.JitterFraction,
	}
}

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay Duration `yaml:"max_delay"`

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64 `yaml:"multiplier"`

	// JitterFraction is the fraction of delay to randomize (0-1).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// DefaultMaintenanceConfig returns a MaintenanceConfig with sensible defaults.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:         true,
		Interval:        Duration(time.Hour),
		PendingInterval: Duration(5 * time.Minute),
		Retry:           nil, // Uses DefaultRetryConfig via GetRetry().
	}
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay:   Duration(30 * time.Second),
		MaxDelay:       Duration(30 * time.Minute),
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

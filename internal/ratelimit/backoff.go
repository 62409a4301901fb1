// ABOUTME: Exponential backoff with jitter between failed maintenance rounds
// ABOUTME: Callers decide when to give up; the delay saturates at MaxDelay

package ratelimit

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// Default backoff values.
const (
	DefaultInitialDelay   = 5 * time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultMultiplier     = 1.5
	DefaultJitterFraction = 0.1
)

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// InitialDelay is the first delay. Zero uses DefaultInitialDelay.
	InitialDelay time.Duration

	// MaxDelay caps every delay. Zero uses DefaultMaxDelay.
	MaxDelay time.Duration

	// Multiplier grows the delay after each step. Zero uses DefaultMultiplier.
	Multiplier float64

	// JitterFraction spreads delays by ±fraction. Zero disables jitter.
	JitterFraction float64
}

// Validate checks the configuration.
func (c BackoffConfig) Validate() error {
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return errors.New("jitter fraction must be between 0 and 1")
	}
	if c.Multiplier != 0 && c.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return errors.New("backoff delays must not be negative")
	}
	return nil
}

func (c *BackoffConfig) applyDefaults() {
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultMultiplier
	}
}

// DefaultBackoffConfig returns the defaults with jitter enabled.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   DefaultInitialDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

// Backoff yields growing delays.
type Backoff struct {
	mu      sync.Mutex
	cfg     BackoffConfig
	steps   int
	current time.Duration
}

// NewBackoff creates a Backoff. Zero fields use defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg.applyDefaults()
	return &Backoff{cfg: cfg, current: cfg.InitialDelay}
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.current
	if b.cfg.JitterFraction > 0 {
		spread := float64(d) * b.cfg.JitterFraction
		d = time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	}
	d = min(d, b.cfg.MaxDelay)

	b.steps++
	b.current = min(time.Duration(float64(b.current)*b.cfg.Multiplier), b.cfg.MaxDelay)
	return d
}

// Reset returns to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.steps = 0
	b.current = b.cfg.InitialDelay
	b.mu.Unlock()
}

// Steps returns how many delays have been handed out.
func (b *Backoff) Steps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

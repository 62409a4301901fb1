// ABOUTME: Per-provider request limiter with minimum spacing, quota windows and cooldowns
// ABOUTME: Spacing uses golang.org/x/time/rate driven by an injectable clock

package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window is a sliding quota: at most Limit requests per Period.
type Window struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrStopped is returned by a Stoppable sleeper once its stop channel is closed.
var ErrStopped = errors.New("stopped")

// Stoppable wraps sleep so it also returns when stop closes. A nil stop never fires.
func Stoppable(sleep Sleeper, stop <-chan struct{}) Sleeper {
	if sleep == nil {
		sleep = SleepContext
	}
	return func(ctx context.Context, d time.Duration) error {
		select {
		case <-stop:
			return ErrStopped
		default:
		}
		if stop == nil {
			return sleep(ctx, d)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := sleep(ctx, d)
		select {
		case <-stop:
			return ErrStopped
		default:
			return err
		}
	}
}

// Config configures a Limiter.
type Config struct {
	// Name labels log records.
	Name string

	// MinInterval is the least time between two requests.
	MinInterval time.Duration

	Windows []Window

	Now    func() time.Time
	Logger *slog.Logger
}

// Limiter gates outgoing requests for one provider. Safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	name     string
	interval time.Duration
	pacer    *rate.Limiter
	windows  []Window
	now      func() time.Time
	logger   *slog.Logger

	lastRequest    time.Time
	rateLimitUntil time.Time

	// history holds request times within the longest window.
	history []time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		name:     cfg.Name,
		interval: cfg.MinInterval,
		pacer:    rate.NewLimiter(limit, 1),
		windows:  append([]Window(nil), cfg.Windows...),
		now:      cfg.Now,
		logger:   cfg.Logger.With(slog.String("limiter", cfg.Name)),
	}
}

// Delay returns how long the caller must wait before the next request.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked(l.now())
}

func (l *Limiter) delayLocked(now time.Time) time.Duration {
	var d time.Duration

	if now.Before(l.rateLimitUntil) {
		d = l.rateLimitUntil.Sub(now)
	}

	if l.interval > 0 {
		if tokens := l.pacer.TokensAt(now); tokens < 1 {
			d = max(d, time.Duration((1-tokens)*float64(l.interval)))
		}
	}

	for _, w := range l.windows {
		if w.Limit <= 0 || w.Period <= 0 {
			continue
		}
		cutoff := now.Add(-w.Period)
		var inWindow []time.Time
		for _, t := range l.history {
			if t.After(cutoff) {
				inWindow = append(inWindow, t)
			}
		}
		if len(inWindow) >= w.Limit {
			// The oldest request that must age out before one more fits.
			oldest := inWindow[len(inWindow)-w.Limit]
			d = max(d, oldest.Add(w.Period).Sub(now))
		}
	}
	return d
}

// Record consumes one request at the current time.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(l.now())
}

func (l *Limiter) recordLocked(now time.Time) {
	l.lastRequest = now
	l.pacer.ReserveN(now, 1)

	l.history = append(l.history, now)
	var longest time.Duration
	for _, w := range l.windows {
		longest = max(longest, w.Period)
	}
	cutoff := now.Add(-longest)
	i := 0
	for i < len(l.history) && !l.history[i].After(cutoff) {
		i++
	}
	l.history = l.history[i:]
}

// Allow records a request and reports true when none is owed a wait.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.delayLocked(now) > 0 {
		return false
	}
	l.recordLocked(now)
	return true
}

// Wait sleeps until a request is allowed, then records it.
// It returns the sleeper's error when the wait is interrupted.
func (l *Limiter) Wait(ctx context.Context, sleep Sleeper) error {
	if sleep == nil {
		sleep = SleepContext
	}
	for {
		l.mu.Lock()
		now := l.now()
		d := l.delayLocked(now)
		if d <= 0 {
			l.recordLocked(now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		l.logger.Debug("waiting for rate limit", slog.Duration("delay", d))
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Cooldown blocks requests for d from now. An existing longer cooldown is kept.
func (l *Limiter) Cooldown(d time.Duration) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(d)
	if until.After(l.rateLimitUntil) {
		l.rateLimitUntil = until
		l.logger.Info("rate limit cooldown armed",
			slog.Duration("cooldown", d),
			slog.Time("until", until),
		)
	}
	return l.rateLimitUntil
}

// CoolingDown returns the remaining cooldown, or zero.
func (l *Limiter) CoolingDown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.now(); now.Before(l.rateLimitUntil) {
		return l.rateLimitUntil.Sub(now)
	}
	return 0
}

// WindowState reports usage of one window.
type WindowState struct {
	Window
	Used int `json:"used"`
}

// State is a snapshot of the limiter.
type State struct {
	Name           string        `json:"name"`
	LastRequest    time.Time     `json:"last_request"`
	MinInterval    time.Duration `json:"min_interval"`
	RateLimitUntil time.Time     `json:"rate_limit_until"`
	Windows        []WindowState `json:"windows,omitempty"`
}

// State returns a snapshot for status surfaces.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := State{
		Name:           l.name,
		LastRequest:    l.lastRequest,
		MinInterval:    l.interval,
		RateLimitUntil: l.rateLimitUntil,
	}
	for _, w := range l.windows {
		ws := WindowState{Window: w}
		cutoff := now.Add(-w.Period)
		for _, t := range l.history {
			if t.After(cutoff) {
				ws.Used++
			}
		}
		st.Windows = append(st.Windows, ws)
	}
	return st
}

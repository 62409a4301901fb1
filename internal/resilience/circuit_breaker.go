// ABOUTME: Circuit breaker around provider calls
// ABOUTME: Only failures the predicate counts (transport errors, 5xx) trip it

package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default circuit breaker configuration values.
const (
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultHalfOpenMaxCalls = 1
)

// State of a circuit breaker.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout passes.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling fn while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a breaker.
type CircuitBreakerConfig struct {
	// Name labels log records, usually the provider.
	Name string

	// MaxFailures in a row open the circuit. Zero uses DefaultMaxFailures.
	MaxFailures int

	// ResetTimeout before an open circuit admits a probe. Zero uses DefaultResetTimeout.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls probes allowed while half-open. Zero uses DefaultHalfOpenMaxCalls.
	HalfOpenMaxCalls int

	// IsFailure decides which errors count. Nil counts every non-nil error.
	// Errors it rejects reset the failure streak like a success.
	IsFailure func(error) bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Statistics holds breaker counters.
type Statistics struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	Rejections          int64     `json:"rejections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitzero"`
}

// CircuitBreaker guards one provider. Safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenCalls       int
	stats               Statistics
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the circuit is open. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// State returns the current state, moving open to half-open once the timeout passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// Statistics returns a copy of the counters.
func (cb *CircuitBreaker) Statistics() Statistics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	st := cb.stats
	st.State = cb.state
	st.StateName = cb.state.String()
	st.ConsecutiveFailures = cb.consecutiveFailures
	return st
}

// Reset closes the circuit and clears the failure streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	cb.refreshLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
	}
	cb.stats.Rejections++
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.IsFailure(err) {
		cb.stats.Successes++
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	now := cb.cfg.Now()
	cb.stats.Failures++
	cb.stats.LastFailureTime = now
	cb.consecutiveFailures++

	switch {
	case cb.state == StateHalfOpen:
		cb.openedAt = now
		cb.transitionLocked(StateOpen)
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.cfg.MaxFailures:
		cb.openedAt = now
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.halfOpenCalls = 0
	cb.cfg.Logger.Info("circuit breaker state changed",
		slog.String("breaker", cb.cfg.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("consecutive_failures", cb.consecutiveFailures),
	)
}

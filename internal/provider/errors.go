// ABOUTME: Classified provider errors driving the worker's branching
// ABOUTME: NotFound, RateLimited, Transient and Pending kinds with errors.Is support

package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindTransient covers network, IO and parse failures not tied to the identifier.
	KindTransient Kind = iota
	// KindNotFound means the provider confirmed the identifier does not exist.
	KindNotFound
	// KindRateLimited means the provider is throttling us.
	KindRateLimited
	// KindPending means a submitted analysis has not finished yet.
	KindPending
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindPending:
		return "pending"
	default:
		return "transient"
	}
}

// Sentinel errors for errors.Is matching against classified errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limit reached")
	ErrPending     = errors.New("analysis pending")
	ErrTransient   = errors.New("transient provider error")
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Op       string

	// RetryAfter is the provider-suggested wait for KindRateLimited; zero if unknown.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrPending:
		return e.Kind == KindPending
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// LogValue implements slog.LogValuer.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("provider", e.Provider),
		slog.String("op", e.Op),
		slog.String("kind", e.Kind.String()),
	}
	if e.RetryAfter > 0 {
		attrs = append(attrs, slog.Duration("retry_after", e.RetryAfter))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// NotFound builds a KindNotFound error.
func NotFound(provider, op string) *Error {
	return &Error{Kind: KindNotFound, Provider: provider, Op: op}
}

// RateLimited builds a KindRateLimited error with an optional retry-after.
func RateLimited(provider, op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, Op: op, RetryAfter: retryAfter}
}

// Pending builds a KindPending error.
func Pending(provider, op string) *Error {
	return &Error{Kind: KindPending, Provider: provider, Op: op}
}

// Transient wraps err as a KindTransient error.
func Transient(provider, op string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, Err: err}
}

// Classify returns the kind of err. Unclassified errors are transient.
func Classify(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrPending):
		return KindPending
	default:
		return KindTransient
	}
}

// RetryAfterOf extracts the retry-after hint from err, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

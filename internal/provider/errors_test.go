// ABOUTME: Tests for the classified provider error taxonomy
// ABOUTME: Covers errors.Is matching, wrapping and retry-after extraction

package provider

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "not found", err: NotFound("fdroid", "details"), want: KindNotFound},
		{name: "rate limited", err: RateLimited("apkmirror", "search", time.Minute), want: KindRateLimited},
		{name: "pending", err: Pending("virustotal", "analysis"), want: KindPending},
		{name: "transient", err: Transient("googleplay", "details", errors.New("boom")), want: KindTransient},
		{name: "wrapped not found", err: fmt.Errorf("outer: %w", NotFound("fdroid", "details")), want: KindNotFound},
		{name: "bare sentinel", err: ErrRateLimited, want: KindRateLimited},
		{name: "plain error", err: errors.New("socket closed"), want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("fetch: %w", RateLimited("virustotal", "file_report", 30*time.Second))

	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false, want true")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is(err, ErrNotFound) = true, want false")
	}
	if got := RetryAfterOf(err); got != 30*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 30s", got)
	}
	if got := RetryAfterOf(errors.New("x")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection reset")
	err := Transient("fdroid", "details", inner)

	if !errors.Is(err, inner) {
		t.Error("Transient error does not unwrap to the cause")
	}
	if got, want := err.Error(), "fdroid details: transient: connection reset"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	want := map[Kind]string{
		KindTransient:   "transient",
		KindNotFound:    "not_found",
		KindRateLimited: "rate_limited",
		KindPending:     "pending",
	}
	for k, s := range want {
		if got := k.String(); got != s {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, s)
		}
	}
}

// ABOUTME: Provider adapter contracts consumed by fetch workers and scanners
// ABOUTME: Metadata fetchers, scan adapters, results and job handles

package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Result pairs a typed record with the provider's raw payload.
type Result[R any] struct {
	Record R
	Raw    string
}

// Fetcher retrieves metadata for a package id.
// Implementations return *Error values classified by Kind.
type Fetcher[R any] interface {
	Name() string
	FetchAppDetails(ctx context.Context, packageID string) (Result[R], error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[R any] struct {
	ProviderName string
	Fn           func(ctx context.Context, packageID string) (Result[R], error)
}

// Name returns the provider name.
func (f FetcherFunc[R]) Name() string { return f.ProviderName }

// FetchAppDetails calls the wrapped function.
func (f FetcherFunc[R]) FetchAppDetails(ctx context.Context, packageID string) (Result[R], error) {
	return f.Fn(ctx, packageID)
}

// JobHandle tracks a file submitted to a scanning provider.
type JobHandle struct {
	ID          uuid.UUID `json:"id"`
	Provider    string    `json:"provider"`
	RemoteID    string    `json:"remote_id"`
	SHA256      string    `json:"sha256,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewJobHandle creates a handle for a fresh submission.
func NewJobHandle(provider, remoteID, sha256 string) JobHandle {
	return JobHandle{
		ID:          uuid.New(),
		Provider:    provider,
		RemoteID:    remoteID,
		SHA256:      sha256,
		SubmittedAt: time.Now().UTC(),
	}
}

// ScanAdapter looks up, submits and polls file analyses.
type ScanAdapter[R any] interface {
	Name() string

	// Lookup fetches an existing report by SHA-256.
	Lookup(ctx context.Context, sha256 string) (Result[R], error)

	// Submit uploads the file at path for analysis.
	Submit(ctx context.Context, path string) (JobHandle, error)

	// Poll checks a submission. It returns an ErrPending-classified error
	// while the analysis is still running.
	Poll(ctx context.Context, handle JobHandle) (Result[R], error)
}

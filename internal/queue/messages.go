// ABOUTME: Message types for NATS request/reply communication
// ABOUTME: One request envelope for every operation and a status/data/error reply

package queue

import (
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/scan"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the body of every control message. Fields not used by the
// addressed operation are ignored.
type Request struct {
	// Optional request ID for correlation.
	RequestID string `json:"request_id,omitempty"`

	// Package id for enqueue, status and result.
	ID string `json:"id,omitempty"`

	// Package ids for batch.
	IDs []string `json:"ids,omitempty"`

	// Package and files for scan submit and state.
	Package string           `json:"package,omitempty"`
	Files   []scan.FileInput `json:"files,omitempty"`
}

// Response is the reply to a control message.
type Response struct {
	RequestID string `json:"request_id,omitempty"`

	// Status is StatusOK or StatusError.
	Status string `json:"status"`

	// Operation-specific payload.
	Data any `json:"data,omitempty"`

	Error string `json:"error,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}

// EnqueueReply reports whether an id was newly queued.
type EnqueueReply struct {
	Queued bool `json:"queued"`
}

// BatchReply counts the ids newly queued by a batch.
type BatchReply struct {
	Queued    int `json:"queued"`
	Requested int `json:"requested"`
}

// ProgressReply is the batch progress of a scanner.
type ProgressReply struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Queued    int `json:"queued"`
}

// PendingReply counts the parked submissions resolved by a round.
type PendingReply struct {
	Resolved int `json:"resolved"`
}

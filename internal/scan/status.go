// ABOUTME: Per-package scan status and per-file results
// ABOUTME: Pending, Scanning with progress, Completed with file results, or Error

package scan

import (
	"encoding/json"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/store"
)

// Operation names the step a scan is on.
type Operation string

// Scan operations.
const (
	OpHashing   Operation = "hashing"
	OpChecking  Operation = "checking"
	OpPulling   Operation = "pulling"
	OpUploading Operation = "uploading"
	OpPolling   Operation = "polling"
)

// Phase is the lifecycle position of a package scan.
type Phase int

const (
	PhasePending Phase = iota
	PhaseScanning
	PhaseCompleted
	PhaseError
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseScanning:
		return "scanning"
	case PhaseCompleted:
		return "completed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the phase by name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// FileOutcome is what happened to one file.
type FileOutcome string

// File outcomes.
const (
	FileFound       FileOutcome = "found"
	FileNotFound    FileOutcome = "not_found"
	FilePending     FileOutcome = "pending"
	FileRateLimited FileOutcome = "rate_limited"
	FileError       FileOutcome = "error"
)

// FileScanResult is the result for one file of a package.
type FileScanResult[R any] struct {
	FilePath string      `json:"file_path"`
	SHA256   string      `json:"sha256"`
	Outcome  FileOutcome `json:"outcome"`
	Record   *R          `json:"record,omitempty"`
	Error    string      `json:"error,omitempty"`
	Cached   bool        `json:"cached,omitempty"`
}

// Result rolls up the files of a package.
type Result[R any] struct {
	Files                   []FileScanResult[R] `json:"files"`
	FilesAttempted          int                 `json:"files_attempted"`
	FilesSkippedInvalidHash int                 `json:"files_skipped_invalid_hash"`
}

// Count returns how many files ended with outcome.
func (r *Result[R]) Count(outcome FileOutcome) int {
	n := 0
	for _, f := range r.Files {
		if f.Outcome == outcome {
			n++
		}
	}
	return n
}

// ScanStatus is the state of one package.
type ScanStatus[R any] struct {
	Phase     Phase      `json:"phase"`
	Scanned   int        `json:"scanned,omitempty"`
	Total     int        `json:"total,omitempty"`
	Operation Operation  `json:"operation,omitempty"`
	Result    *Result[R] `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func pendingStatus[R any]() ScanStatus[R] { return ScanStatus[R]{Phase: PhasePending} }

func scanningStatus[R any](scanned, total int, op Operation) ScanStatus[R] {
	return ScanStatus[R]{Phase: PhaseScanning, Scanned: scanned, Total: total, Operation: op}
}

func completedStatus[R any](res Result[R]) ScanStatus[R] {
	return ScanStatus[R]{Phase: PhaseCompleted, Result: &res}
}

func errorStatus[R any](msg string) ScanStatus[R] {
	return ScanStatus[R]{Phase: PhaseError, Error: msg}
}

// fileFromRow converts a stored row into a file result.
func fileFromRow[R any](row store.ScanRow[R]) FileScanResult[R] {
	f := FileScanResult[R]{FilePath: row.Key.FilePath, SHA256: row.Key.SHA256, Cached: true}
	switch row.Outcome {
	case store.OutcomeFound:
		rec := row.Record
		f.Outcome, f.Record = FileFound, &rec
	case store.OutcomePending:
		f.Outcome = FilePending
	default:
		rec := row.Record
		f.Outcome, f.Record = FileNotFound, &rec
	}
	return f
}

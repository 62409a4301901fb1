// ABOUTME: Fetch status lifecycle for one package id
// ABOUTME: Pending, Fetching, then Success with a record or Error with a reason

package fetch

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle position of a queued id.
type State int

const (
	// StatePending is queued and not yet picked up.
	StatePending State = iota

	// StateFetching is held by the worker.
	StateFetching

	// StateSuccess carries a record.
	StateSuccess

	// StateError carries a reason.
	StateError
)

// Error reasons shared by every provider.
const (
	ReasonInvalidPackageID    = "invalid package id"
	ReasonNotFound            = "not found"
	ReasonNotFoundCached      = "not found (cached)"
	ReasonRateLimited         = "rate limit reached"
	ReasonProviderUnavailable = "provider unavailable"
	reasonDatabaseSave        = "database save error: "
	reasonInternal            = "internal error: "
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final until results are cleared.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateError
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is the current fetch state of one id.
type Status[R any] struct {
	State  State  `json:"state"`
	Record *R     `json:"record,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func pendingStatus[R any]() Status[R]  { return Status[R]{State: StatePending} }
func fetchingStatus[R any]() Status[R] { return Status[R]{State: StateFetching} }

func successStatus[R any](rec R) Status[R] {
	return Status[R]{State: StateSuccess, Record: &rec}
}

func errorStatus[R any](reason string) Status[R] {
	return Status[R]{State: StateError, Reason: reason}
}

func panicStatus[R any](v any) Status[R] {
	return errorStatus[R](reasonInternal + fmt.Sprint(v))
}

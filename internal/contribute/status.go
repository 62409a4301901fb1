// ABOUTME: Contribution status lifecycle for one package
// ABOUTME: Pending through Pulling, Hashing, Checking and Uploading to a final outcome

package contribute

import "encoding/json"

// State is the lifecycle position of a contribution.
type State int

const (
	StatePending State = iota
	StatePulling
	StateHashing
	StateChecking
	StateUploading

	// StateSuccess means the mirror accepted the file. Message holds its reply.
	StateSuccess

	// StateAlreadyExists means the mirror has this APK or a similar one.
	StateAlreadyExists

	// StateVersionNotNewer means the device build is not newer than the mirror's.
	StateVersionNotNewer

	// StateRateLimited is queued behind the daily upload quota.
	StateRateLimited

	// StateError carries a reason in Message.
	StateError
)

// Error reasons.
const (
	ReasonInvalidPackageID = "invalid package id"
	ReasonNoAccount        = "email not configured"
	reasonInternal         = "internal error: "
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePulling:
		return "pulling"
	case StateHashing:
		return "hashing"
	case StateChecking:
		return "checking"
	case StateUploading:
		return "uploading"
	case StateSuccess:
		return "success"
	case StateAlreadyExists:
		return "already_exists"
	case StateVersionNotNewer:
		return "version_not_newer"
	case StateRateLimited:
		return "rate_limited"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final until results are cleared.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateAlreadyExists, StateVersionNotNewer, StateError:
		return true
	default:
		return false
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is the current contribution state of one package.
type Status struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// ABOUTME: Android package identifier validation
// ABOUTME: Rejects malformed ids before they ever reach a provider queue

package types

import (
	"errors"
	"strings"
)

// ErrInvalidPackageID is returned for identifiers that cannot name an Android package.
var ErrInvalidPackageID = errors.New("invalid package id")

// MinPackageSegments is the minimum number of dot-separated segments in a package id.
const MinPackageSegments = 2

// ValidatePackageID checks that id has at least two non-empty dot-separated
// segments (e.g. "com.example"). Surrounding whitespace is not tolerated.
func ValidatePackageID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return ErrInvalidPackageID
	}

	segments := strings.Split(id, ".")
	if len(segments) < MinPackageSegments {
		return ErrInvalidPackageID
	}
	for _, seg := range segments {
		if seg == "" || strings.ContainsAny(seg, " \t/\\") {
			return ErrInvalidPackageID
		}
	}

	return nil
}

// IsValidPackageID reports whether id passes ValidatePackageID.
func IsValidPackageID(id string) bool {
	return ValidatePackageID(id) == nil
}

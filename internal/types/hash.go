// ABOUTME: SHA-256 digest parsing for scanned artifacts
// ABOUTME: Normalizes hex digests and rejects anything that is not 64 hex characters

package types

import (
	"errors"
	"fmt"
	"strings"
)

// SHA256Length is the length of a hex encoded SHA-256 digest.
const SHA256Length = 64

// ErrInvalidHash is returned when a digest is not a well-formed SHA-256.
var ErrInvalidHash = errors.New("invalid sha256")

// ParseSHA256 trims and lowercases s and verifies it is a 64 character hex digest.
func ParseSHA256(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if len(s) != SHA256Length {
		return "", fmt.Errorf("%w: length %d, want %d", ErrInvalidHash, len(s), SHA256Length)
	}
	for _, c := range s {
		if !isHexChar(c) {
			return "", fmt.Errorf("%w: non-hex character %q", ErrInvalidHash, c)
		}
	}
	return s, nil
}

// IsSHA256 reports whether s is a well-formed SHA-256 digest.
func IsSHA256(s string) bool {
	_, err := ParseSHA256(s)
	return err == nil
}

// TruncateHash shortens a digest for log lines.
func TruncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:8] + "..." + hash[len(hash)-8:]
	}
	return hash
}

func isHexChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

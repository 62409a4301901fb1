// ABOUTME: Loose numeric comparison of Android version names
// ABOUTME: Decides whether the installed build is newer than the one the mirror lists

package contribute

import (
	"strconv"
	"strings"
)

// IsVersionNewer reports whether device is newer than mirror. An empty mirror
// version means the mirror has none, so any device build counts as newer.
// Numeric components are compared in order; on a tie the longer version wins.
func IsVersionNewer(device, mirror string) bool {
	if mirror == "" {
		return true
	}
	d, m := parseVersion(device), parseVersion(mirror)
	for i := 0; i < len(d) && i < len(m); i++ {
		switch {
		case d[i] > m[i]:
			return true
		case d[i] < m[i]:
			return false
		}
	}
	return len(d) > len(m)
}

// parseVersion splits on '.', '-', '_' and ' ' and keeps the leading digits
// of each part. Parts without leading digits are skipped.
func parseVersion(v string) []int64 {
	parts := strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '-' || r == '_' || r == ' '
	})
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		n, err := strconv.ParseInt(p[:end], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

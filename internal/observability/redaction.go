// ABOUTME: Masks provider credentials in strings, maps and log attributes
// ABOUTME: Covers API key headers, query parameters and the APKMirror account email

package observability

import (
	"regexp"
	"strings"
)

// RedactionPlaceholder replaces redacted values.
const RedactionPlaceholder = "[REDACTED]"

type redaction struct {
	pattern *regexp.Regexp
	replace string
}

// Values stop at whitespace, '&' (query strings) or ';' (cookies).
var redactions = []redaction{
	{regexp.MustCompile(`(?i)(password|passwd)=[^\s&;]+`), "${1}=" + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)(token|access_token)=[^\s&;]+`), "${1}=" + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)(api[_-]?key)=[^\s&;]+`), "${1}=" + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)(secret|client_secret)=[^\s&;]+`), "${1}=" + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)(apkmirror_email|email)=[^\s&;]+`), "${1}=" + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)(x-apikey|api-key):\s*[^\s,]+`), "${1}: " + RedactionPlaceholder},
	{regexp.MustCompile(`(?i)Bearer\s+[^\s]+`), "Bearer " + RedactionPlaceholder},
}

// Matched against keys lowercased with '_' and '-' removed.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"authorization",
	"credential",
	"privatekey",
	"email",
	"cookie",
}

// RedactSensitive replaces credentials embedded in value.
func RedactSensitive(value string) string {
	for _, r := range redactions {
		value = r.pattern.ReplaceAllString(value, r.replace)
	}
	return value
}

// IsSensitiveKey reports whether a field name suggests a credential.
func IsSensitiveKey(key string) bool {
	k := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with sensitive keys masked, recursing
// into nested maps and slices. Empty values stay empty so that unset
// credentials remain visible as unset.
func RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			if s, ok := v.(string); ok && s == "" {
				out[k] = ""
			} else {
				out[k] = RedactionPlaceholder
			}
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return RedactSensitive(val)
	case map[string]any:
		return RedactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = redactValue(e)
		}
		return out
	default:
		return v
	}
}

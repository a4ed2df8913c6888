// Package privacy strips credentials and tokens from stream URLs before they
// reach logs, metrics labels or telemetry.
package privacy

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitiveQueryKeys are query parameters whose values are masked.
var sensitiveQueryKeys = []string{"token", "key", "auth", "password", "passwd", "secret", "sig", "signature"}

// SanitizeStreamURL removes userinfo and masks sensitive query values.
// Unparseable input is reduced to its scheme so nothing secret leaks.
func SanitizeStreamURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.Index(raw, "://"); i > 0 {
			return raw[:i] + "://[invalid]"
		}
		return "[invalid]"
	}

	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "redacted")
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// StreamHost returns only scheme and host, e.g. for metric labels.
func StreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Scheme + "://" + u.Hostname()
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveQueryKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

var (
	urlCredentialsRegex = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)
	urlQueryRegex       = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^?\s]+)\?\S*`)
)

// ScrubMessage removes userinfo and query strings from any URLs embedded in
// free text such as wrapped error messages.
func ScrubMessage(message string) string {
	scrubbed := urlCredentialsRegex.ReplaceAllString(message, "$1")
	return urlQueryRegex.ReplaceAllString(scrubbed, "$1?[REDACTED]")
}

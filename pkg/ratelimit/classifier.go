package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
)

// rateLimitMarkers are case-insensitive substrings that identify provider
// rate-limit responses across the supported CLIs. Adapters that return a
// structured flag bypass this; the classifier covers legacy text output.
var rateLimitMarkers = []string{
	"rate_limit",
	"rate limit",
	"429",
	"too many requests",
	"quota",
	"resource_exhausted",
	"retry_after",
	"retry-after",
	"overloaded",
	"503",
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[_ -]?after[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)retry in (\d+)\s*s`),
	regexp.MustCompile(`(?i)try again in (\d+)\s*seconds?`),
}

// IsRateLimitText reports whether text looks like a provider rate-limit
// error.
func IsRateLimitText(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ExtractRetryAfter pulls a "retry after N seconds" hint out of provider
// output. Returns (0, false) when no hint is present.
func ExtractRetryAfter(text string) (int, bool) {
	for _, pattern := range retryAfterPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if seconds, err := strconv.Atoi(m[1]); err == nil && seconds > 0 {
				return seconds, true
			}
		}
	}
	return 0, false
}

package ratelimit

import "testing"

func TestIsRateLimitText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"http 429", "API error: 429 Too Many Requests", true},
		{"snake case", "error: rate_limit_exceeded", true},
		{"spaced", "You have hit a rate limit, slow down", true},
		{"quota", "Quota exceeded for this billing period", true},
		{"grpc", "rpc error: code = RESOURCE_EXHAUSTED", true},
		{"overloaded", "The model is currently overloaded", true},
		{"service unavailable", "upstream returned 503", true},
		{"retry header", "Retry-After: 30", true},
		{"plain failure", "syntax error in generated patch", false},
		{"auth failure", "not logged in, run login first", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitText(tt.text); got != tt.want {
				t.Errorf("IsRateLimitText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
		ok   bool
	}{
		{"header form", "Retry-After: 30", 30, true},
		{"snake form", "retry_after 45", 45, true},
		{"retry in", "rate limited, retry in 90s", 90, true},
		{"try again", "Please try again in 120 seconds", 120, true},
		{"singular second", "try again in 1 second", 1, true},
		{"no hint", "too many requests", 0, false},
		{"zero is rejected", "retry after: 0", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractRetryAfter(tt.text)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ExtractRetryAfter(%q) = (%d, %v), want (%d, %v)", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

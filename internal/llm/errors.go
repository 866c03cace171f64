package llm

import (
	"regexp"
	"strings"
)

var rateLimitHintRe = regexp.MustCompile(`(?i)rate limit|too many requests|requests per (?:minute|hour|day)|quota|throttl|429\b|tpm\b|tpd\b`)

// IsLikelyRateLimitError reports whether an API error looks like throttling.
// Provider error bodies vary wildly, so this is a text heuristic.
func IsLikelyRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.TrimSpace(err.Error())
	if text == "" {
		return false
	}
	return rateLimitHintRe.MatchString(text)
}

// IsLikelyContextOverflowError reports whether an API error indicates the
// prompt exceeded the model's context window, in which case retrying with
// the same input is pointless and the caller should shrink it.
func IsLikelyContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.TrimSpace(err.Error())
	if text == "" {
		return false
	}
	if rateLimitHintRe.MatchString(text) {
		return false
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "request_too_large") ||
		strings.Contains(lower, "request exceeds the maximum size") ||
		strings.Contains(lower, "context length exceeded") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "exceeds model context window") ||
		(strings.Contains(lower, "413") && strings.Contains(lower, "too large"))
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"math"
	"regexp"
	"strconv"
)

// =============================================================================
// MESSAGE PATTERNS
// =============================================================================

// Provider message text is not a stable contract. Every phrase the
// classifier depends on is listed here.
var (
	// "This model's maximum context length is 16384 tokens. However, you
	// requested 50189 tokens (...)"
	contextLengthHint  = regexp.MustCompile(`(?i)maximum context length`)
	contextLimitRe     = regexp.MustCompile(`(?i)maximum context length is (\d+) tokens`)
	contextRequestedRe = regexp.MustCompile(`(?i)(?:requested|resulted in) (\d+) tokens`)

	// "Access denied due to invalid subscription key." (gateway)
	// "Access denied due to missing subscription key." (gateway)
	// "Incorrect API key provided: sk-..." (direct)
	authRe = regexp.MustCompile(`(?i)(?:invalid|missing) subscription key|incorrect api key provided`)

	// "... exceeded token rate limit of your current OpenAI S0 pricing tier.
	// Please retry after 26 seconds." (gateway)
	// "Rate limit reached for gpt-4 ... Please try again in 20s." (direct)
	rateLimitHint = regexp.MustCompile(`(?i)rate limit`)
	retryAfterRe  = regexp.MustCompile(`(?i)retry after (\d+) seconds?`)
	tryAgainInRe  = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)(ms|s)\b`)
)

// FromProviderMessage refines a structured provider error. Pattern matches
// whose numbers cannot be extracted fall back to GenericProviderError.
func FromProviderMessage(message, errType string, param, code *string) UpstreamError {
	if v, ok := matchMessage(message); ok {
		return v
	}
	return &GenericProviderError{Message: message, Type: errType, Param: param, Code: code}
}

// FromUnstructured refines a provider error that carried only a message.
func FromUnstructured(message string) UpstreamError {
	if v, ok := matchMessage(message); ok {
		return v
	}
	if isKnownPhrase(message) {
		// Matched a phrase but the numbers were missing.
		return &GenericProviderError{Message: message}
	}
	return &ProviderError{Message: message}
}

// matchMessage applies the patterns in priority order. It reports false when
// nothing could be fully extracted.
func matchMessage(message string) (UpstreamError, bool) {
	if contextLengthHint.MatchString(message) {
		limit, okLimit := firstInt(contextLimitRe, message)
		requested, okReq := firstInt(contextRequestedRe, message)
		if okLimit && okReq {
			return &ContextLengthError{Message: message, Limit: limit, Requested: requested}, true
		}
		return nil, false
	}

	if authRe.MatchString(message) {
		return &AuthError{Message: message}, true
	}

	if rateLimitHint.MatchString(message) {
		if secs, ok := retryAfterSeconds(message); ok {
			return &RateLimitedError{Message: message, RetryAfter: secs}, true
		}
		return nil, false
	}

	return nil, false
}

func isKnownPhrase(message string) bool {
	return contextLengthHint.MatchString(message) || rateLimitHint.MatchString(message)
}

// retryAfterSeconds extracts a whole number of seconds, rounding up
// fractional and millisecond hints.
func retryAfterSeconds(message string) (int, bool) {
	if secs, ok := firstInt(retryAfterRe, message); ok {
		return secs, true
	}
	m := tryAgainInRe.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "ms" {
		v /= 1000
	}
	return int(math.Ceil(v)), true
}

func firstInt(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

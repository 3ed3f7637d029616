package llmprovider

import (
	"context"
	"errors"
	"strings"

	"autosint/pkg/apitypes"
)

// extractStatusCode pulls an HTTP status code out of an SDK error string.
// The Anthropic, OpenAI, and Gemini Go SDKs all embed the status code in
// their error text rather than exposing a single consistent typed field
// across providers, so every provider variant classifies errors the same
// string-pattern way the teacher's Anthropic client does.
func extractStatusCode(errStr string) int {
	patterns := []string{"status code: ", "status: ", "http ", "code "}
	lower := strings.ToLower(errStr)

	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start >= len(errStr) {
			continue
		}
		end := start + 3
		if end > len(errStr) {
			end = len(errStr)
		}
		candidate := errStr[start:end]
		for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504} {
			if strings.HasPrefix(candidate, itoa(code)) {
				return code
			}
		}
	}
	return 0
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [3]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// classifyByPattern maps an arbitrary provider error onto the engine's error
// taxonomy by status code first, then by substring pattern in the error
// text, exactly as the teacher's Anthropic and retry.ShouldRetry classifiers
// do. dependency is the TaxonomyError.Dependency key, e.g. "llm:anthropic".
func classifyByPattern(dependency string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apitypes.NewTaxonomyError(apitypes.ErrorTransient, dependency, "request canceled or timed out", err)
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	switch extractStatusCode(errStr) {
	case 401, 403:
		return apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, dependency, "provider rejected credentials", err)
	case 429:
		return apitypes.NewTaxonomyError(apitypes.ErrorRateLimited, dependency, "provider rate-limited the request", err)
	case 400, 404:
		return apitypes.NewTaxonomyError(apitypes.ErrorValidation, dependency, "provider rejected the request", err)
	case 500, 502, 503, 504:
		return apitypes.NewTaxonomyError(apitypes.ErrorTransient, dependency, "provider server error", err)
	}

	switch {
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset"):
		return apitypes.NewTaxonomyError(apitypes.ErrorTransient, dependency, "network or connection error", err)
	case containsAny(lower, "rate", "quota", "overloaded"):
		return apitypes.NewTaxonomyError(apitypes.ErrorRateLimited, dependency, "provider rate-limited the request", err)
	case containsAny(lower, "auth", "api key", "unauthorized"):
		return apitypes.NewTaxonomyError(apitypes.ErrorAuthConfig, dependency, "provider rejected credentials", err)
	case containsAny(lower, "context length", "maximum context", "too many tokens"):
		return apitypes.NewTaxonomyError(apitypes.ErrorContextExceeded, dependency, "prompt exceeded provider context window", err)
	case containsAny(lower, "invalid", "malformed", "too large"):
		return apitypes.NewTaxonomyError(apitypes.ErrorValidation, dependency, "provider rejected the request", err)
	default:
		return apitypes.NewTaxonomyError(apitypes.ErrorHardDependency, dependency, "unclassified provider error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CredentialError indicates the model API rejected our credentials.
// Terminal for the request; never retried.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// RateLimitError indicates the model API throttled the request.
// RetryAfter is zero when the API gave no hint.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err is (or wraps) a credential failure.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// IsRateLimitError reports whether err is (or wraps) a rate-limit failure.
func IsRateLimitError(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// classifyProviderError maps a raw provider transport error onto the error
// taxonomy the callers branch on. Unrecognized errors pass through unchanged.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if IsCredentialError(err) || IsRateLimitError(err) {
		return err
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "invalid x-api-key") ||
		strings.Contains(errStr, "permission"):
		return &CredentialError{Err: err}
	case strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "overloaded"):
		return &RateLimitError{Err: err}
	}
	return err
}

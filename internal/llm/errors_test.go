package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		credential bool
		rateLimit  bool
	}{
		{"nil", nil, false, false},
		{"401", errors.New("API error 401: authentication_error"), true, false},
		{"403", errors.New("403 forbidden"), true, false},
		{"invalid key", errors.New("invalid x-api-key"), true, false},
		{"429", errors.New("HTTP 429"), false, true},
		{"overloaded", errors.New("overloaded_error: Overloaded"), false, true},
		{"rate limit", errors.New("rate limit exceeded"), false, true},
		{"plain", errors.New("connection reset"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyProviderError(tt.err)
			if got := IsCredentialError(classified); got != tt.credential {
				t.Errorf("IsCredentialError = %v, want %v", got, tt.credential)
			}
			if got := IsRateLimitError(classified); got != tt.rateLimit {
				t.Errorf("IsRateLimitError = %v, want %v", got, tt.rateLimit)
			}
		})
	}
}

func TestClassifyProviderError_Idempotent(t *testing.T) {
	inner := errors.New("401 unauthorized")
	once := classifyProviderError(inner)
	twice := classifyProviderError(once)
	if once != twice {
		t.Error("already-classified error was re-wrapped")
	}
	if !errors.Is(twice, inner) {
		t.Error("classification lost the underlying error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("service unavailable"), true},
		{"conn refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("request timeout"), true},
		{"credential", &CredentialError{Err: errors.New("401")}, false},
		{"rate limit", &RateLimitError{Err: errors.New("429")}, false},
		{"wrapped credential", fmt.Errorf("turn failed: %w", &CredentialError{Err: errors.New("401")}), false},
		{"plain", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff_RespectsRetryAfter(t *testing.T) {
	r := &RetryProvider{config: DefaultRetryConfig()}
	err := errors.New("429 too many requests, retry-after: 7")
	if got := r.calculateBackoff(1, err); got != 7*time.Second {
		t.Errorf("backoff = %v, want 7s", got)
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	r := &RetryProvider{config: RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  5 * time.Second,
	}}
	for attempt := 1; attempt <= 10; attempt++ {
		if got := r.calculateBackoff(attempt, errors.New("503")); got > 5*time.Second {
			t.Errorf("attempt %d: backoff = %v, exceeds max", attempt, got)
		}
	}
}

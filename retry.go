package dualmailer

import (
	"math"
	"strings"
	"time"
)

// MaxRetryDelay is the longest wait Delay returns.
const MaxRetryDelay = time.Duration(math.MaxInt64)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before it. The zero value never retries.
type RetryPolicy struct {
	MaxRetries      int
	RetryDelay      time.Duration
	RetryableErrors []string
}

// NewRetryPolicy creates a retry policy from configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:      config.MaxRetries,
		RetryDelay:      config.RetryDelay,
		RetryableErrors: append([]string(nil), config.RetryableErrors...),
	}
}

// Enabled reports whether any retry can happen.
func (p *RetryPolicy) Enabled() bool {
	return p != nil && p.MaxRetries > 0
}

// ShouldRetry reports whether the failure of attempt (1-based) is retried.
// With an empty allow-list every error is retryable; otherwise the error
// message must contain one of the listed substrings.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if !p.Enabled() || err == nil || attempt > p.MaxRetries {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}

	msg := err.Error()
	for _, s := range p.RetryableErrors {
		if s != "" && strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry k (k = 1 for the first retry):
// RetryDelay * 2^(k-1), without jitter. The result saturates at MaxRetryDelay.
func (p *RetryPolicy) Delay(k int) time.Duration {
	if p == nil || k < 1 || p.RetryDelay <= 0 {
		return 0
	}
	shift := k - 1
	if shift > 62 || p.RetryDelay > MaxRetryDelay>>shift {
		return MaxRetryDelay
	}
	return p.RetryDelay << shift
}

package scheduler

import (
	"time"

	"github.com/ternarybob/neurareport/internal/common"
)

// RetryPolicy is the exponential backoff applied to transient job failures
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewRetryPolicy reads the policy from config, defaulting to 2s doubling up to 60s over 3 attempts
func NewRetryPolicy(cfg common.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		BaseDelay:   common.ParseDurationOr(cfg.BaseDelay, 2*time.Second),
		MaxDelay:    common.ParseDurationOr(cfg.MaxDelay, 60*time.Second),
		MaxAttempts: cfg.MaxAttempts,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	return p
}

// Delay is the wait before the attempt following attempt n (n starts at 1)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// CanRetry reports whether another automatic attempt is allowed after attempt n
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

package coordinator

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how retryable conflicts are retried. Immutable value,
// supplied per call.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count, first try included. >= 1.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay per retry. >= 1.
	Multiplier float64
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// Jitter randomizes each delay within [delay/2, delay].
	Jitter bool
}

// DefaultRetryPolicy suits short in-transaction conflicts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
	}
}

// NoRetry makes every failure terminal.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 50 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Delay computes the wait before retry number retry (0-based):
// min(BaseDelay * Multiplier^retry, MaxDelay), jittered when enabled.
func (p RetryPolicy) Delay(retry int) time.Duration {
	grown := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry))
	if grown > float64(p.MaxDelay) {
		grown = float64(p.MaxDelay)
	}
	delay := time.Duration(grown)
	if p.Jitter && delay > 1 {
		half := int64(delay / 2)
		delay = time.Duration(half + rand.Int63n(half+1))
	}
	return delay
}

package api

import "time"

// RetryPolicy controls how a failing operation is retried.
//
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
type RetryPolicy struct {
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. It is not applied
	// before the first attempt. If zero, retries happen immediately.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry. Values <= 0 mean 2.0.
	BackoffMultiplier float64

	// MaxBackoff caps the delay; <= 0 means no cap.
	MaxBackoff time.Duration

	// AttemptTimeout bounds each individual attempt; <= 0 means no bound
	// beyond the caller's context.
	AttemptTimeout time.Duration
}

// DefaultPropagationPolicy is used for schema writes when nothing else is
// configured.
var DefaultPropagationPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    200 * time.Millisecond,
	BackoffMultiplier: 2.0,
	MaxBackoff:        2 * time.Second,
	AttemptTimeout:    5 * time.Second,
}

// Attempts returns the normalized attempt bound (at least 1).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retry number n (1-based: n=1 is the delay
// after the first failed attempt).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.InitialBackoff <= 0 || n <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	d := p.InitialBackoff
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * multiplier)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

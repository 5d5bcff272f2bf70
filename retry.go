package weft

import (
	"time"

	"github.com/petrijr/weft/internal/config"
)

// PropagationRetry builds the policy a session uses to write schemas across
// edges (Options.Propagation). It starts from DefaultPropagationPolicy, so
// only the settings a caller names change.
//
//	opts.Propagation = weft.Retry(5).
//		Backoff(100*time.Millisecond, 2, time.Second).
//		Timeout(3 * time.Second).
//		Policy()
type PropagationRetry struct {
	policy RetryPolicy
}

// Retry starts a PropagationRetry that makes up to attempts writes per edge.
// attempts <= 0 means a single write.
func Retry(attempts int) PropagationRetry {
	p := DefaultPropagationPolicy
	p.MaxAttempts = max(attempts, 1)
	return PropagationRetry{policy: p}
}

// Backoff waits initial before the first retry and multiplies the wait by
// multiplier (2 when <= 0) up to ceiling (uncapped when <= 0).
func (r PropagationRetry) Backoff(initial time.Duration, multiplier float64, ceiling time.Duration) PropagationRetry {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = ceiling
	return r
}

// FixedBackoff waits d before every retry.
func (r PropagationRetry) FixedBackoff(d time.Duration) PropagationRetry {
	return r.Backoff(d, 1, 0)
}

// NoBackoff retries at once.
func (r PropagationRetry) NoBackoff() PropagationRetry {
	r.policy.InitialBackoff = 0
	r.policy.BackoffMultiplier = 0
	r.policy.MaxBackoff = 0
	return r
}

// Timeout bounds each write, and the compatibility lookup done on connect.
// d <= 0 removes the bound.
func (r PropagationRetry) Timeout(d time.Duration) PropagationRetry {
	r.policy.AttemptTimeout = max(d, 0)
	return r
}

func (r PropagationRetry) Policy() RetryPolicy {
	return r.policy
}

// propagationRetry maps the propagation section of a loaded Config. Zero
// backoff or timeout keeps the default.
func propagationRetry(c config.Propagation) PropagationRetry {
	r := Retry(c.Attempts)
	if c.Backoff > 0 {
		r = r.Backoff(c.Backoff, DefaultPropagationPolicy.BackoffMultiplier, DefaultPropagationPolicy.MaxBackoff)
	}
	if c.Timeout > 0 {
		r = r.Timeout(c.Timeout)
	}
	return r
}

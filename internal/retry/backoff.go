// Package retry implements the shared capped-exponential-backoff policy
// used for every external call: mirror publishes, LLM resolver requests
// and adapter upstream fetches.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes a capped exponential backoff with jitter.
type Policy struct {
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap applied after exponentiation
	Factor      float64       // multiplier per attempt
	MaxAttempts int           // total attempts, including the first
	Jitter      float64       // fraction of the delay randomized, e.g. 0.2 = ±20%
}

// DefaultPolicy matches the system-wide transport retry contract:
// base 1s, factor 2, cap 60s, 8 attempts, jitter ±20%.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		MaxAttempts: 8,
		Jitter:      0.2,
	}
}

// Delay returns the backoff delay preceding the given attempt number.
// Attempt 0 is the first try and has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// Spread uniformly across [d*(1-j), d*(1+j)].
		d = d * (1 - p.Jitter + 2*p.Jitter*rand.Float64())
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is
// cancelled. The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

package broker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig bounds the pause after a rate-limited invocation.
type BackoffConfig struct {
	BaseDelay time.Duration // e.g. 250ms
	MaxDelay  time.Duration // e.g. 4s
}

// DefaultBackoff returns the daemon defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}
}

// newSchedule returns a fresh exponential schedule: base, 2*base, ... capped
// at MaxDelay, without jitter and without an elapsed-time limit. One
// schedule spans one Execute call.
func (c BackoffConfig) newSchedule() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.MaxInterval = c.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// next advances bo and shortens the pause to retryAfter when the provider
// asked for less.
func (c BackoffConfig) next(bo backoff.BackOff, retryAfter time.Duration) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if retryAfter > 0 && retryAfter < delay {
		delay = retryAfter
	}
	return delay
}

// Delay returns the pause after the hit-th rate limit (1-based) of one
// Execute call.
func (c BackoffConfig) Delay(hit int, retryAfter time.Duration) time.Duration {
	bo := c.newSchedule()
	for i := 1; i < hit; i++ {
		bo.NextBackOff()
	}
	return c.next(bo, retryAfter)
}

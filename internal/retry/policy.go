// Package retry computes deterministic capped exponential delays for loop owners
// that persist their own attempt counters.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy doubles Base for every attempt after the first and never exceeds Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt is retried. attempt counts
// failures so far, starting at 1.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	maxInterval := p.Max
	if maxInterval < p.Base {
		maxInterval = p.Base
	}
	if attempt < 1 {
		attempt = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	b.Reset()

	var next time.Duration
	for i := 0; i < attempt; i++ {
		next = b.NextBackOff()
		if next >= maxInterval {
			return maxInterval
		}
	}
	return next
}

// NextAttempt is now + Delay(attempt).
func (p Policy) NextAttempt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

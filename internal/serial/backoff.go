package serial

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default reconnect delays.
const (
	DefaultBackoffMin = time.Second
	DefaultBackoffMax = 30 * time.Second
)

// newBackoff returns the reconnect policy: the delay doubles after each failed
// attempt up to max, with 20% jitter, and never gives up.
func newBackoff(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = DefaultBackoffMin
	}
	if max < min {
		max = min
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

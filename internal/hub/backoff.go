package hub

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultReconnectDelay is the base delay before the first reconnect attempt.
	DefaultReconnectDelay = 5 * time.Second

	// MaxReconnectDelay caps the exponential reconnect delay.
	MaxReconnectDelay = 30 * time.Second

	// DefaultMaxReconnectAttempts is how many reconnects are tried before giving up.
	DefaultMaxReconnectAttempts = 10
)

// newReconnectBackOff returns a jitter-free exponential backoff yielding
// base, 2*base, 4*base, ... capped at MaxReconnectDelay. It never stops on
// its own; the manager counts attempts.
func newReconnectBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is the bounded exponential reconnect policy applied by callers of
// Connect after a connection loss.
type Backoff struct {
	Base     time.Duration // first delay
	Factor   float64       // growth per attempt
	Max      time.Duration // delay cap
	Attempts int           // retries before giving up
}

// DefaultBackoff returns 1s, 2s, 4s and then gives up.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:     1 * time.Second,
		Factor:   2,
		Max:      10 * time.Second,
		Attempts: 3,
	}
}

// Policy returns a fresh backoff.BackOff implementing b. The returned policy
// yields Attempts delays without jitter and then backoff.Stop; it also stops
// once ctx is done.
func (b Backoff) Policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.Multiplier = b.Factor
	exp.MaxInterval = b.Max
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	if b.Attempts <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.Attempts)), ctx)
}

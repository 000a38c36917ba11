package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the exponential schedule for one call from the
// dependency policy. Each call gets a fresh schedule so concurrent calls
// do not share jitter state.
func newBackOff(p Policy) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.Multiplier = p.BackoffMultiplier
	// The attempt counter bounds the loop, not elapsed time.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// sleepBackoff waits for the next backoff interval or until ctx is done.
func sleepBackoff(ctx context.Context, bo backoff.BackOff) error {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return ErrDependencyExhausted
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

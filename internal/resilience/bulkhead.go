package resilience

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bulkhead bounds concurrent in-flight calls to one dependency. Callers
// wait up to the configured duration for a slot; past that the call fails
// with ErrBulkheadTimeout without touching the dependency.
type Bulkhead struct {
	sem      *semaphore.Weighted
	capacity int64
	wait     time.Duration
}

// NewBulkhead creates a bulkhead with the given slot count and wait bound.
func NewBulkhead(capacity int, wait time.Duration) *Bulkhead {
	return &Bulkhead{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		wait:     wait,
	}
}

// Acquire takes a slot, waiting up to the bulkhead wait. The returned
// release function must be called exactly once when the call finishes.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		// The caller's own cancellation wins over the wait bound.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBulkheadTimeout
	}
	return func() { b.sem.Release(1) }, nil
}

// TryAcquire takes a slot without waiting. Used by health reporting.
func (b *Bulkhead) TryAcquire() (release func(), ok bool) {
	if !b.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { b.sem.Release(1) }, true
}

// Package resilience guards every external dependency call with a fixed
// pipeline of circuit breaker, retry with exponential backoff, bulkhead,
// and per-attempt timeout, in that order. Handlers never talk to a
// dependency directly; they go through Pipeline.Execute (or the generic
// Do helper) with a registered dependency name.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Operation is a single call against an external dependency. The context
// carries the per-attempt timeout; implementations must honor it.
type Operation func(ctx context.Context) error

// Pipeline executes operations against named dependencies with the full
// resilience stack applied.
type Pipeline struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *pipelineMetrics
}

// New creates a pipeline over the given registry. meter may be nil, in
// which case no instruments are recorded.
func New(registry *Registry, logger *logging.Logger, meter metric.Meter) (*Pipeline, error) {
	metrics, err := newPipelineMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create pipeline metrics: %w", err)
	}
	p := &Pipeline{
		registry: registry,
		logger:   logger.Named("resilience"),
		metrics:  metrics,
	}
	registry.SetTransitionHook(func(name string, from, to BreakerState) {
		p.metrics.recordTransition(context.Background(), name, from, to)
	})
	return p, nil
}

// Execute runs op against the named dependency through the pipeline.
//
// Breaker is consulted first: an open circuit fails in well under a
// millisecond with ErrDependencyUnavailable and zero attempts. A
// half-open circuit admits a single un-retried trial. A closed circuit
// runs the retry loop; each attempt acquires a bulkhead slot and runs
// under the per-attempt timeout. Transient failures are retried with
// exponential backoff until MaxAttempts, then reported as
// ErrDependencyExhausted wrapping the last attempt error. Permanent
// failures return immediately. Every attempt outcome is recorded with
// the breaker.
func (p *Pipeline) Execute(ctx context.Context, dependency string, op Operation) error {
	e, err := p.registry.lookup(dependency)
	if err != nil {
		return err
	}
	policy, breaker, bulkhead := e.snapshot()

	ok, trial := breaker.Allow()
	if !ok {
		p.metrics.recordRejection(ctx, dependency, "breaker_open")
		p.logger.Debug(ctx, "call rejected, circuit open",
			zap.String("dependency", dependency))
		return fmt.Errorf("%w: %s", ErrDependencyUnavailable, dependency)
	}

	if trial {
		// Half-open trial: one attempt, no retries. The outcome alone
		// decides whether the circuit closes or reopens.
		err := p.attempt(ctx, dependency, policy, bulkhead, op)
		p.record(breaker, err)
		if err != nil {
			return fmt.Errorf("half-open trial failed for %s: %w", dependency, err)
		}
		return nil
	}

	bo := newBackOff(policy)
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Another caller may have tripped the breaker between
			// attempts; stop retrying against an open circuit.
			if ok, _ := breaker.Allow(); !ok {
				p.metrics.recordRejection(ctx, dependency, "breaker_open")
				return fmt.Errorf("%w: %s", ErrDependencyUnavailable, dependency)
			}
			if err := sleepBackoff(ctx, bo); err != nil {
				return err
			}
		}

		lastErr = p.attempt(ctx, dependency, policy, bulkhead, op)
		p.record(breaker, lastErr)

		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrBulkheadTimeout) {
			// The dependency was never reached; surface the overload
			// directly instead of burning retries on it.
			return fmt.Errorf("%s: %w", dependency, ErrBulkheadTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(lastErr) {
			return fmt.Errorf("%s: %w", dependency, lastErr)
		}

		if attempt < policy.MaxAttempts {
			p.logger.Debug(ctx, "transient failure, will retry",
				zap.String("dependency", dependency),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Error(lastErr),
			)
		}
	}

	p.logger.Warn(ctx, "dependency exhausted",
		zap.String("dependency", dependency),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w: %s after %d attempts: %w",
		ErrDependencyExhausted, dependency, policy.MaxAttempts, lastErr)
}

// attempt runs one call: bulkhead slot, then op under the attempt
// timeout.
func (p *Pipeline) attempt(ctx context.Context, dependency string, policy Policy, bulkhead *Bulkhead, op Operation) error {
	release, err := bulkhead.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBulkheadTimeout) {
			p.metrics.recordRejection(ctx, dependency, "bulkhead_timeout")
		}
		return err
	}
	p.metrics.addInFlight(ctx, dependency, 1)
	defer func() {
		p.metrics.addInFlight(ctx, dependency, -1)
		release()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()

	start := time.Now()
	err = op(attemptCtx)
	elapsed := time.Since(start)

	// Distinguish the attempt timeout from the caller's own deadline or
	// cancellation: only the former is retryable.
	if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, elapsed.Round(time.Millisecond), err)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.metrics.recordAttempt(ctx, dependency, outcome, elapsed)
	return err
}

// record feeds an attempt outcome into the breaker. Bulkhead timeouts
// and caller cancellations or deadlines are not dependency failures and
// count neither way. An unwrapped DeadlineExceeded here is always the
// caller's own deadline; attempt timeouts arrive as ErrAttemptTimeout.
func (p *Pipeline) record(breaker *Breaker, err error) {
	switch {
	case err == nil:
		breaker.RecordSuccess()
	case errors.Is(err, ErrAttemptTimeout):
		breaker.RecordFailure()
	case errors.Is(err, ErrBulkheadTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// Not the dependency's fault.
	default:
		breaker.RecordFailure()
	}
}

// Do runs fn against the named dependency through pipeline p and returns
// its value. It exists because methods cannot carry type parameters.
func Do[T any](ctx context.Context, p *Pipeline, dependency string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, dependency, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Snapshot exposes the registry's dependency health view.
func (p *Pipeline) Snapshot() []DependencyStatus {
	return p.registry.Snapshot()
}

// UpdatePolicy forwards a runtime policy change to the registry.
func (p *Pipeline) UpdatePolicy(name string, policy Policy) error {
	return p.registry.UpdatePolicy(name, policy)
}

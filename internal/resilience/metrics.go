package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// pipelineMetrics holds the OTEL instruments for the resilience pipeline.
// A nil receiver is valid and records nothing, so the pipeline works
// without a meter in tests.
type pipelineMetrics struct {
	attempts    metric.Int64Counter
	rejections  metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
}

func newPipelineMetrics(meter metric.Meter) (*pipelineMetrics, error) {
	if meter == nil {
		return nil, nil
	}

	m := &pipelineMetrics{}
	var err error

	m.attempts, err = meter.Int64Counter("dispatchd.resilience.attempts",
		metric.WithDescription("Dependency call attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.rejections, err = meter.Int64Counter("dispatchd.resilience.rejections",
		metric.WithDescription("Calls rejected before reaching the dependency"))
	if err != nil {
		return nil, err
	}

	m.transitions, err = meter.Int64Counter("dispatchd.resilience.breaker_transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram("dispatchd.resilience.call_duration",
		metric.WithDescription("Dependency call duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.inFlight, err = meter.Int64UpDownCounter("dispatchd.resilience.in_flight",
		metric.WithDescription("Calls currently holding a bulkhead slot"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) recordAttempt(ctx context.Context, dep, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("dependency", dep),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *pipelineMetrics) recordRejection(ctx context.Context, dep, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dep),
		attribute.String("reason", reason),
	))
}

func (m *pipelineMetrics) recordTransition(ctx context.Context, dep string, from, to BreakerState) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dependency", dep),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *pipelineMetrics) addInFlight(ctx context.Context, dep string, delta int64) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, delta, metric.WithAttributes(
		attribute.String("dependency", dep),
	))
}

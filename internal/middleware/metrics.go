package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// chainMetrics holds the OTEL instruments for the middleware chain. A nil
// receiver is valid and records nothing.
type chainMetrics struct {
	stages   metric.Int64Counter
	duration metric.Float64Histogram
}

func newChainMetrics(meter metric.Meter) (*chainMetrics, error) {
	if meter == nil {
		return nil, nil
	}

	m := &chainMetrics{}
	var err error

	m.stages, err = meter.Int64Counter("dispatchd.middleware.stage_outcomes",
		metric.WithDescription("Middleware stage results by stage and outcome"))
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram("dispatchd.middleware.handler_duration",
		metric.WithDescription("Handler execution time inside the chain"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *chainMetrics) recordStage(ctx context.Context, stage, outcome string) {
	if m == nil {
		return
	}
	m.stages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

func (m *chainMetrics) recordHandler(ctx context.Context, elapsed time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// coordinatorMetrics holds the OTEL instruments for the delegation
// algorithm. A nil receiver is valid and records nothing.
type coordinatorMetrics struct {
	terminals   metric.Int64Counter
	delegations metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
}

func newCoordinatorMetrics(meter metric.Meter) (*coordinatorMetrics, error) {
	if meter == nil {
		return nil, nil
	}

	m := &coordinatorMetrics{}
	var err error

	m.terminals, err = meter.Int64Counter("dispatchd.coordinator.units",
		metric.WithDescription("Units reaching a terminal state, by status and reason"))
	if err != nil {
		return nil, err
	}

	m.delegations, err = meter.Int64Counter("dispatchd.coordinator.delegations",
		metric.WithDescription("Sub-units spawned by delegation"))
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram("dispatchd.coordinator.unit_duration",
		metric.WithDescription("Wall time from unit creation to terminal state"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.inFlight, err = meter.Int64UpDownCounter("dispatchd.coordinator.in_flight",
		metric.WithDescription("Units currently executing"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *coordinatorMetrics) recordTerminal(ctx context.Context, status, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	m.terminals.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *coordinatorMetrics) recordDelegation(ctx context.Context, handler string, depth int) {
	if m == nil {
		return
	}
	m.delegations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.Int("depth", depth),
	))
}

func (m *coordinatorMetrics) addInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

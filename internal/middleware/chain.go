// Package middleware runs every work unit through a fixed chain of
// stages around its handler: safety check, state load, handler, cost
// accrual, output normalization, state save. The order never varies;
// handlers cannot opt out of a stage.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/store"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// Chain applies the fixed middleware stages around a handler invocation.
type Chain struct {
	safety  *Safety
	store   store.Store
	logger  *logging.Logger
	metrics *chainMetrics
}

// NewChain builds the chain. Safety and store are required; meter may be
// nil, in which case no instruments are recorded.
func NewChain(safety *Safety, s store.Store, logger *logging.Logger, meter metric.Meter) (*Chain, error) {
	if safety == nil {
		return nil, errors.New("safety stage is required")
	}
	if s == nil {
		return nil, errors.New("state store is required")
	}
	metrics, err := newChainMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create chain instruments: %w", err)
	}
	return &Chain{
		safety:  safety,
		store:   s,
		logger:  logger.Named("middleware"),
		metrics: metrics,
	}, nil
}

// Run executes handler for unit through the full chain.
//
// A safety violation aborts before any state is loaded and returns
// ErrBlockedInput with no result. A handler error also aborts, after
// which the coordinator owns the failure. Once the handler has returned
// a result, the remaining stages always run: cost is recorded against
// the delegation budget even when it lands past the ceiling (in which
// case Run returns the result alongside work.ErrBudgetExceeded), output
// is normalized, and state is saved best-effort.
func (c *Chain) Run(ctx context.Context, unit *work.Unit, del work.Delegation, handler work.HandlerFunc) (*work.HandlerResult, error) {
	if err := c.safety.Check(ctx, unit.Input); err != nil {
		unit.AppendTrace("safety_check", "blocked")
		c.metrics.recordStage(ctx, "safety_check", "blocked")
		return nil, err
	}
	unit.AppendTrace("safety_check", "passed")
	c.metrics.recordStage(ctx, "safety_check", "passed")

	st := loadState(ctx, c.store, unit, c.logger)
	unit.AppendTrace("state_load", fmt.Sprintf("values=%d", len(st.Values)))
	ctx = WithState(ctx, st)

	start := time.Now()
	result, err := handler(ctx, unit, del)
	if err != nil {
		unit.AppendTrace("handler", "error: "+err.Error())
		c.metrics.recordHandler(ctx, time.Since(start), "error")
		return nil, err
	}
	if result == nil {
		unit.AppendTrace("handler", "error: nil result")
		c.metrics.recordHandler(ctx, time.Since(start), "error")
		return nil, errors.New("handler returned nil result without error")
	}
	unit.AppendTrace("handler", "ok")
	c.metrics.recordHandler(ctx, time.Since(start), "ok")

	unit.AddCost(result.Cost)
	st.AccruedCost += result.Cost
	budgetErr := del.Budget.Consume(result.Cost)
	unit.AppendTrace("cost_accrual", fmt.Sprintf("cost=%.4f remaining=%.4f", result.Cost, del.Budget.Remaining()))
	if budgetErr != nil {
		c.metrics.recordStage(ctx, "cost_accrual", "budget_exceeded")
		c.logger.Warn(ctx, "delegation budget exceeded",
			zap.Float64("cost", result.Cost),
			zap.Float64("used", del.Budget.Used()),
		)
	}

	result.Output = normalizeOutput(ctx, result.Output, c.logger)
	unit.AppendTrace("normalize", "ok")

	saveState(ctx, c.store, st, c.logger)
	unit.AppendTrace("state_save", "ok")

	return result, budgetErr
}

// Package coordinator routes work units to handlers and bounds recursive
// delegation with depth, cycle, budget, and deadline checks. Handle
// always returns a terminal unit; no failure mode crosses the boundary as
// a panic or bare error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/fyrsmithlabs/dispatchd/internal/middleware"
	"github.com/fyrsmithlabs/dispatchd/internal/propagate"
	"github.com/fyrsmithlabs/dispatchd/internal/resilience"
	"github.com/fyrsmithlabs/dispatchd/internal/work"
)

// terminalCacheSize bounds the idempotent-replay record of finished
// units.
const terminalCacheSize = 8192

// Decision is an external verdict on a unit awaiting approval.
type Decision int

const (
	DecisionApprove Decision = iota
	DecisionDeny
)

// Coordinator owns the delegation algorithm. One instance serves the
// whole engine; it is safe for concurrent Handle calls.
type Coordinator struct {
	router  *Router
	chain   *middleware.Chain
	logger  *logging.Logger
	metrics *coordinatorMetrics

	maxDepth              int
	approvalTimeout       time.Duration
	budgetCancelsSiblings bool

	// terminal keeps finished units so replaying an id returns the
	// frozen record instead of re-executing.
	terminal *lru.Cache[string, *work.Unit]

	// roots maps root unit id to its subtree cancel function.
	rootsMu sync.Mutex
	roots   map[string]context.CancelFunc

	// approvals maps suspended unit id to its decision channel.
	approvalsMu sync.Mutex
	approvals   map[string]chan Decision

	accepting bool
	acceptMu  sync.RWMutex
	inflight  sync.WaitGroup

	// active tracks non-terminal units for shutdown straggler marking.
	activeMu sync.Mutex
	active   map[string]*work.Unit
}

// New creates a coordinator from validated engine config. meter may be
// nil, in which case no instruments are recorded.
func New(router *Router, chain *middleware.Chain, cfg config.EngineConfig, logger *logging.Logger, meter metric.Meter) (*Coordinator, error) {
	cache, err := lru.New[string, *work.Unit](terminalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create terminal cache: %w", err)
	}
	metrics, err := newCoordinatorMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("create coordinator instruments: %w", err)
	}

	return &Coordinator{
		router:                router,
		chain:                 chain,
		logger:                logger.Named("coordinator"),
		metrics:               metrics,
		maxDepth:              cfg.MaxDelegationDepth,
		approvalTimeout:       cfg.ApprovalTimeout.Duration(),
		budgetCancelsSiblings: cfg.BudgetCancelsSiblings,
		terminal:              cache,
		roots:                 make(map[string]context.CancelFunc),
		approvals:             make(map[string]chan Decision),
		accepting:             true,
		active:                make(map[string]*work.Unit),
	}, nil
}

// Handle executes a root unit to a terminal state. Replaying an id that
// already finished returns the frozen record unchanged.
func (c *Coordinator) Handle(ctx context.Context, unit *work.Unit, del work.Delegation) *work.Unit {
	if frozen, ok := c.terminal.Get(unit.ID); ok {
		return frozen
	}

	c.acceptMu.RLock()
	accepting := c.accepting
	c.acceptMu.RUnlock()
	if !accepting {
		unit.Fail(work.ReasonShutdownInterrupted, errors.New("engine is shutting down"))
		return c.finalize(ctx, unit)
	}

	c.inflight.Add(1)
	defer c.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.trackRoot(unit.ID, cancel)
	defer c.untrackRoot(unit.ID)

	// Ids arrive from callers and the wire; a malformed one loses its
	// binding instead of panicking past the boundary.
	if propagate.ValidID(del.CorrelationID) {
		ctx = propagate.WithCorrelationID(ctx, del.CorrelationID)
	} else if del.CorrelationID != "" {
		c.logger.Warn(ctx, "ignoring malformed correlation id",
			zap.Int("length", len(del.CorrelationID)))
	}
	if propagate.ValidID(unit.ConversationID) {
		ctx = propagate.WithConversationID(ctx, unit.ConversationID)
	} else if unit.ConversationID != "" {
		c.logger.Warn(ctx, "ignoring malformed conversation id",
			zap.Int("length", len(unit.ConversationID)))
	}

	c.execute(ctx, unit, del, "")
	return c.finalize(ctx, unit)
}

// Cancel signals a root unit's entire delegation subtree to stop. No new
// delegation is issued under it after the signal lands.
func (c *Coordinator) Cancel(rootID string) bool {
	c.rootsMu.Lock()
	cancel, ok := c.roots[rootID]
	c.rootsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Resolve delivers an external verdict to a unit suspended in
// awaiting_approval. Unknown or already-resumed ids fail.
func (c *Coordinator) Resolve(unitID string, decision Decision) error {
	c.approvalsMu.Lock()
	ch, ok := c.approvals[unitID]
	if ok {
		delete(c.approvals, unitID)
	}
	c.approvalsMu.Unlock()

	if !ok {
		return fmt.Errorf("no unit awaiting approval with id %s", unitID)
	}
	ch <- decision
	return nil
}

// Awaiting returns the ids of units currently suspended for approval.
func (c *Coordinator) Awaiting() []string {
	c.approvalsMu.Lock()
	defer c.approvalsMu.Unlock()

	ids := make([]string, 0, len(c.approvals))
	for id := range c.approvals {
		ids = append(ids, id)
	}
	return ids
}

// Approve resumes a suspended unit.
func (c *Coordinator) Approve(unitID string) error {
	return c.Resolve(unitID, DecisionApprove)
}

// Deny fails a suspended unit.
func (c *Coordinator) Deny(unitID string) error {
	return c.Resolve(unitID, DecisionDeny)
}

// InFlight reports how many units are currently executing.
func (c *Coordinator) InFlight() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return len(c.active)
}

// StopAccepting makes subsequent Handle calls fail immediately with
// ShutdownInterrupted. In-flight units keep running.
func (c *Coordinator) StopAccepting() {
	c.acceptMu.Lock()
	c.accepting = false
	c.acceptMu.Unlock()
}

// Drain blocks until in-flight units reach terminal states or ctx
// expires.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailInflight marks every still-active unit failed with
// ShutdownInterrupted. Called after the drain timeout; stragglers are
// never silently dropped.
func (c *Coordinator) FailInflight() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()

	count := 0
	for _, unit := range c.active {
		if !unit.Terminal() {
			unit.Fail(work.ReasonShutdownInterrupted, errors.New("drain timeout elapsed"))
			c.terminal.Add(unit.ID, unit)
			count++
		}
	}
	return count
}

// execute runs the delegation algorithm for one unit. hint is the target
// handler requested by a delegating parent, empty for root units.
func (c *Coordinator) execute(ctx context.Context, unit *work.Unit, del work.Delegation, hint string) {
	c.trackActive(unit)
	c.metrics.addInFlight(ctx, 1)
	defer func() {
		c.untrackActive(unit.ID)
		c.metrics.addInFlight(ctx, -1)
	}()

	if propagate.ValidID(unit.ID) {
		ctx = propagate.WithWorkUnitID(ctx, unit.ID)
	}

	if ctx.Err() != nil {
		c.cancelUnit(unit)
		return
	}
	if del.DeadlinePassed(time.Now()) {
		c.logger.Warn(ctx, "deadline exceeded before delegation",
			zap.Time("deadline", del.Deadline))
		unit.Fail(work.ReasonDeadlineExceeded, work.ErrDeadlineExceeded)
		return
	}
	if del.Depth >= c.maxDepth {
		c.logger.Warn(ctx, "delegation depth exceeded",
			zap.Int("depth", del.Depth),
			zap.Int("max", c.maxDepth),
			zap.Strings("path", del.Path()))
		unit.Fail(work.ReasonDelegationDepthExceeded,
			fmt.Errorf("%w: depth %d at max %d", work.ErrDepthExceeded, del.Depth, c.maxDepth))
		return
	}

	name, fn := c.router.Resolve(ctx, unit, hint)
	if fn == nil {
		unit.Fail(work.ReasonHandlerError, fmt.Errorf("no handler available for unit"))
		return
	}

	if del.Visited(name) {
		c.logger.Warn(ctx, "delegation cycle detected",
			zap.String("handler", name),
			zap.Strings("path", del.Path()))
		unit.Fail(work.ReasonDelegationCycle,
			fmt.Errorf("%w: %s already on path", work.ErrCycleDetected, name))
		return
	}
	child := del.Child(name)

	if unit.CurrentStatus() == work.StatusPending {
		if err := unit.TransitionTo(work.StatusRunning); err != nil {
			unit.Fail(work.ReasonHandlerError, err)
			return
		}
	}

	start := time.Now()
	result, err := c.chain.Run(ctx, unit, child, fn)
	c.logger.Info(ctx, "handler finished",
		zap.String("handler", name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("success", err == nil),
	)

	if err != nil && !errors.Is(err, work.ErrBudgetExceeded) {
		if ctx.Err() != nil {
			c.cancelUnit(unit)
			return
		}
		unit.Fail(failureReason(err), err)
		return
	}

	if result != nil {
		unit.MergeHandlerOutput(result.Output)
	}

	// Budget overrun recorded by cost accounting fails this delegation
	// but keeps its partial output attached.
	if errors.Is(err, work.ErrBudgetExceeded) {
		c.onBudgetExceeded(ctx, unit)
		return
	}

	if result.NeedsApproval {
		if !c.awaitApproval(ctx, unit) {
			return
		}
	}

	if result.Delegate != nil {
		c.delegate(ctx, unit, child, result.Delegate)
		return
	}

	_ = unit.TransitionTo(work.StatusCompleted)
}

// delegate runs a sub-unit requested by a handler and folds its outcome
// into the parent.
func (c *Coordinator) delegate(ctx context.Context, parent *work.Unit, del work.Delegation, req *work.DelegationRequest) {
	if ctx.Err() != nil {
		c.cancelUnit(parent)
		return
	}
	if del.DeadlinePassed(time.Now()) {
		parent.Fail(work.ReasonDeadlineExceeded, work.ErrDeadlineExceeded)
		return
	}
	// New delegations are rejected once the ledger is spent, even though
	// the overrunning spend itself was recorded.
	if del.Budget.Remaining() <= 0 {
		c.logger.Warn(ctx, "delegation rejected, budget spent",
			zap.Float64("used", del.Budget.Used()))
		c.onBudgetExceeded(ctx, parent)
		return
	}

	childUnit := work.NewChild(parent, req.Input)
	c.metrics.recordDelegation(ctx, req.Handler, del.Depth)
	c.logger.Info(ctx, "delegating sub-unit",
		zap.String("child_id", childUnit.ID),
		zap.String("target", req.Handler),
		zap.Int("depth", del.Depth))

	c.execute(ctx, childUnit, del, req.Handler)

	parent.MergeOutput(childUnit.ID, childUnit.Output)
	parent.AddCost(childUnit.Cost)

	switch childStatus := childUnit.CurrentStatus(); {
	case childStatus == work.StatusCancelled:
		c.cancelUnit(parent)
	case childStatus == work.StatusFailed && delegationLimitReason(childUnit.Reason):
		// Depth, cycle, budget, and deadline failures abort the chain of
		// delegations while the already-merged partial output stays.
		parent.Fail(childUnit.Reason, errors.New(childUnit.Error))
	default:
		_ = parent.TransitionTo(work.StatusCompleted)
	}
}

// awaitApproval suspends the unit until an external verdict, the
// approval timeout, or cancellation. Returns true when execution should
// proceed.
func (c *Coordinator) awaitApproval(ctx context.Context, unit *work.Unit) bool {
	if err := unit.TransitionTo(work.StatusAwaitingApproval); err != nil {
		unit.Fail(work.ReasonHandlerError, err)
		return false
	}

	ch := make(chan Decision, 1)
	c.approvalsMu.Lock()
	c.approvals[unit.ID] = ch
	c.approvalsMu.Unlock()

	c.logger.Info(ctx, "unit awaiting approval",
		zap.Duration("timeout", c.approvalTimeout))

	timer := time.NewTimer(c.approvalTimeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		if decision == DecisionApprove {
			if err := unit.TransitionTo(work.StatusRunning); err != nil {
				unit.Fail(work.ReasonHandlerError, err)
				return false
			}
			unit.AppendTrace("approval", "approved")
			return true
		}
		unit.AppendTrace("approval", "denied")
		unit.Fail(work.ReasonApprovalDenied, errors.New("approval denied"))
		return false
	case <-timer.C:
		c.dropApproval(unit.ID)
		unit.Fail(work.ReasonDeadlineExceeded, errors.New("approval timed out"))
		return false
	case <-ctx.Done():
		c.dropApproval(unit.ID)
		c.cancelUnit(unit)
		return false
	}
}

func (c *Coordinator) dropApproval(unitID string) {
	c.approvalsMu.Lock()
	delete(c.approvals, unitID)
	c.approvalsMu.Unlock()
}

// onBudgetExceeded fails the unit and, under the strict policy, cancels
// the whole root subtree so in-flight siblings stop too.
func (c *Coordinator) onBudgetExceeded(ctx context.Context, unit *work.Unit) {
	unit.Fail(work.ReasonBudgetExceeded, work.ErrBudgetExceeded)
	if c.budgetCancelsSiblings {
		rootID := unit.ID
		if unit.ParentID != "" {
			rootID = c.rootOf(unit)
		}
		c.Cancel(rootID)
	}
}

// rootOf walks up via the active set to find the unit's root id. Falls
// back to the unit's own id when the chain is not active.
func (c *Coordinator) rootOf(unit *work.Unit) string {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()

	current := unit
	for current.ParentID != "" {
		parent, ok := c.active[current.ParentID]
		if !ok {
			break
		}
		current = parent
	}
	return current.ID
}

func (c *Coordinator) cancelUnit(unit *work.Unit) {
	if unit.Terminal() {
		return
	}
	_ = unit.TransitionTo(work.StatusCancelled)
}

// finalize freezes the unit into the replay record and returns it.
func (c *Coordinator) finalize(ctx context.Context, unit *work.Unit) *work.Unit {
	if !unit.Terminal() {
		// Defense against a handler path that returned without setting a
		// terminal state.
		unit.Fail(work.ReasonHandlerError, errors.New("unit left non-terminal"))
	}
	c.terminal.Add(unit.ID, unit)
	c.metrics.recordTerminal(ctx, string(unit.Status), string(unit.Reason), unit.CompletedAt.Sub(unit.CreatedAt))

	c.logger.Info(ctx, "unit terminal",
		zap.String("status", string(unit.Status)),
		zap.String("reason", string(unit.Reason)),
		zap.Float64("cost", unit.Cost),
	)
	return unit
}

func (c *Coordinator) trackRoot(id string, cancel context.CancelFunc) {
	c.rootsMu.Lock()
	c.roots[id] = cancel
	c.rootsMu.Unlock()
}

func (c *Coordinator) untrackRoot(id string) {
	c.rootsMu.Lock()
	delete(c.roots, id)
	c.rootsMu.Unlock()
}

func (c *Coordinator) trackActive(unit *work.Unit) {
	c.activeMu.Lock()
	c.active[unit.ID] = unit
	c.activeMu.Unlock()
}

func (c *Coordinator) untrackActive(id string) {
	c.activeMu.Lock()
	delete(c.active, id)
	c.activeMu.Unlock()
}

// failureReason maps chain and resilience errors onto the taxonomy.
func failureReason(err error) work.FailureReason {
	switch {
	case errors.Is(err, middleware.ErrBlockedInput):
		return work.ReasonBlockedInput
	case errors.Is(err, resilience.ErrDependencyUnavailable):
		return work.ReasonDependencyUnavailable
	case errors.Is(err, resilience.ErrBulkheadTimeout):
		return work.ReasonBulkheadTimeout
	case errors.Is(err, resilience.ErrDependencyExhausted):
		return work.ReasonDependencyExhausted
	case errors.Is(err, work.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return work.ReasonDeadlineExceeded
	default:
		return work.ReasonHandlerError
	}
}

// delegationLimitReason reports whether a child failure should abort the
// parent's delegation chain rather than be treated as a handler outcome.
func delegationLimitReason(reason work.FailureReason) bool {
	switch reason {
	case work.ReasonDelegationDepthExceeded,
		work.ReasonDelegationCycle,
		work.ReasonBudgetExceeded,
		work.ReasonDeadlineExceeded:
		return true
	}
	return false
}

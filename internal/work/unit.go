// Package work defines the unit of work primitive and the delegation
// context that flow through the dispatchd engine.
package work

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes request categories routed by the coordinator.
type Kind string

const (
	KindRequest   Kind = "request"
	KindScheduled Kind = "scheduled"
	KindSubTask   Kind = "sub_task"
)

// Status represents the lifecycle state of a unit of work.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions encodes the status state machine:
// pending → running → {completed | failed | cancelled}, with the optional
// running → awaiting_approval → running detour.
var validTransitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
}

// FailureReason is the taxonomy code recorded on a failed unit.
type FailureReason string

const (
	ReasonBlockedInput            FailureReason = "blocked_input"
	ReasonDependencyUnavailable   FailureReason = "dependency_unavailable"
	ReasonBulkheadTimeout         FailureReason = "bulkhead_timeout"
	ReasonDependencyExhausted     FailureReason = "dependency_exhausted"
	ReasonDelegationDepthExceeded FailureReason = "delegation_depth_exceeded"
	ReasonDelegationCycle         FailureReason = "delegation_cycle_detected"
	ReasonBudgetExceeded          FailureReason = "budget_exceeded"
	ReasonDeadlineExceeded        FailureReason = "deadline_exceeded"
	ReasonApprovalDenied          FailureReason = "approval_denied"
	ReasonShutdownInterrupted     FailureReason = "shutdown_interrupted"
	ReasonHandlerError            FailureReason = "handler_error"
)

// TraceStep is one entry in the ordered log of intermediate steps.
type TraceStep struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Unit is the single primitive flowing through the engine.
//
// Mutators serialize on an internal lock: the executing goroutine owns a
// Unit during its active lifetime, but shutdown straggler marking may
// fail it from another goroutine while the handler still runs. Once a
// terminal status is reached the record is frozen and every mutator is a
// no-op.
type Unit struct {
	mu sync.Mutex

	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Trace          []TraceStep    `json:"trace,omitempty"`
	Cost           float64        `json:"cost"`
	Reason         FailureReason  `json:"reason,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

// NewUnit creates a pending root unit for the given conversation.
func NewUnit(kind Kind, conversationID string, input map[string]any) *Unit {
	now := time.Now().UTC()
	return &Unit{
		ID:             uuid.NewString(),
		Kind:           kind,
		Status:         StatusPending,
		Input:          input,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewChild creates a pending sub-unit delegated from parent. The child
// shares the parent's conversation so sibling units group together.
func NewChild(parent *Unit, input map[string]any) *Unit {
	child := NewUnit(KindSubTask, parent.ConversationID, input)
	child.ParentID = parent.ID
	return child
}

// Terminal reports whether the unit has reached a terminal state.
func (u *Unit) Terminal() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Status.Terminal()
}

// CurrentStatus returns the unit's status under the lock. Use it for
// reads that may race a concurrent Fail during shutdown.
func (u *Unit) CurrentStatus() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Status
}

// TransitionTo moves the unit to the next status. Transitions are
// monotonic and terminal states are immutable once reached.
func (u *Unit) TransitionTo(next Status) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.transitionLocked(next)
}

func (u *Unit) transitionLocked(next Status) error {
	if u.Status.Terminal() {
		return ErrTerminalImmutable
	}
	for _, allowed := range validTransitions[u.Status] {
		if allowed == next {
			now := time.Now().UTC()
			u.Status = next
			u.UpdatedAt = now
			if next.Terminal() {
				u.CompletedAt = now
			}
			return nil
		}
	}
	return ErrInvalidTransition
}

// Fail marks the unit failed with a taxonomy reason. Already-accumulated
// partial output stays attached.
func (u *Unit) Fail(reason FailureReason, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Status.Terminal() {
		return
	}
	u.Reason = reason
	if err != nil {
		u.Error = err.Error()
	}
	_ = u.transitionLocked(StatusFailed)
}

// AppendTrace records an intermediate step. No-op once terminal.
func (u *Unit) AppendTrace(stage, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Status.Terminal() {
		return
	}
	u.Trace = append(u.Trace, TraceStep{
		Stage:   stage,
		Message: message,
		At:      time.Now().UTC(),
	})
	u.UpdatedAt = time.Now().UTC()
}

// AddCost accumulates spend onto the unit. No-op once terminal.
func (u *Unit) AddCost(cost float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Status.Terminal() {
		return
	}
	u.Cost += cost
	u.UpdatedAt = time.Now().UTC()
}

// MergeOutput folds a delegated child's output into the parent under the
// child's id, preserving the parent's own keys. No-op once terminal.
func (u *Unit) MergeOutput(childID string, output map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Status.Terminal() || output == nil {
		return
	}
	if u.Output == nil {
		u.Output = make(map[string]any)
	}
	delegated, _ := u.Output["delegated"].(map[string]any)
	if delegated == nil {
		delegated = make(map[string]any)
	}
	delegated[childID] = output
	u.Output["delegated"] = delegated
}

// MergeHandlerOutput copies a handler's output keys onto the unit,
// preserving any delegated child outputs already merged. No-op once
// terminal.
func (u *Unit) MergeHandlerOutput(output map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Status.Terminal() || output == nil {
		return
	}
	if u.Output == nil {
		u.Output = make(map[string]any)
	}
	delegated := u.Output["delegated"]
	for k, v := range output {
		u.Output[k] = v
	}
	if delegated != nil {
		u.Output["delegated"] = delegated
	}
}

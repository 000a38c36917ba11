package work

import "context"

// DelegationRequest asks the coordinator to route a sub-unit of work.
type DelegationRequest struct {
	// Handler is an optional target hint. Empty means route by rules.
	Handler string
	// Input is the sub-unit's payload.
	Input map[string]any
}

// HandlerResult carries a handler's output payload, optional cost/usage
// metadata, and an optional delegation request.
type HandlerResult struct {
	Output map[string]any
	// Cost is the spend this execution reports for accounting.
	Cost float64
	// NeedsApproval suspends the unit until an external approval signal.
	NeedsApproval bool
	// Delegate, when non-nil, requests a recursive sub-unit.
	Delegate *DelegationRequest
}

// HandlerFunc is the contract every registered handler implements.
// Handlers must be idempotent with respect to retried resilience calls
// they make internally.
type HandlerFunc func(ctx context.Context, unit *Unit, d Delegation) (*HandlerResult, error)

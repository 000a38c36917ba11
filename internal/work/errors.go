package work

import "errors"

// Status state machine errors.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminalImmutable = errors.New("unit is terminal and immutable")
)

// Delegation errors.
var (
	ErrDepthExceeded    = errors.New("delegation depth exceeded")
	ErrCycleDetected    = errors.New("delegation cycle detected")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrInvalidBudget    = errors.New("invalid budget amount")
)

package work

import (
	"sync"
	"time"
)

// Budget is the shared cost ledger for one root unit and its entire
// delegation subtree. Consumption always records, even past the ceiling;
// the coordinator rejects new delegations once Remaining is non-positive.
type Budget struct {
	mu    sync.Mutex
	total float64
	used  float64
}

// NewBudget creates a ledger with the given ceiling.
func NewBudget(total float64) (*Budget, error) {
	if total <= 0 {
		return nil, ErrInvalidBudget
	}
	return &Budget{total: total}, nil
}

// Consume records spend against the ledger. It returns ErrBudgetExceeded
// when the ledger has gone past its ceiling; the spend is still recorded
// so accounting never loses cost that was already incurred.
func (b *Budget) Consume(cost float64) error {
	if cost < 0 {
		return ErrInvalidBudget
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += cost
	if b.used > b.total {
		return ErrBudgetExceeded
	}
	return nil
}

// Remaining returns the unconsumed ceiling. Negative once overrun.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.used
}

// Used returns the accumulated spend.
func (b *Budget) Used() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Delegation is the ephemeral context owned by one coordinator invocation
// and its descendants. It is passed by value: each delegation receives a
// copy with incremented depth and its own visited-handler snapshot. The
// Budget ledger is the one deliberately shared piece, because cost accrues
// across the whole subtree.
type Delegation struct {
	Depth         int
	CorrelationID string
	Deadline      time.Time
	Budget        *Budget

	visited []string
}

// NewDelegation creates a depth-0 context for a root unit's intake.
func NewDelegation(correlationID string, budget *Budget, deadline time.Time) Delegation {
	return Delegation{
		CorrelationID: correlationID,
		Deadline:      deadline,
		Budget:        budget,
	}
}

// Child returns a copy with depth incremented and handler recorded as
// visited. The visited slice is copied so sibling delegations never see
// each other's handlers.
func (d Delegation) Child(handler string) Delegation {
	visited := make([]string, len(d.visited), len(d.visited)+1)
	copy(visited, d.visited)
	d.visited = append(visited, handler)
	d.Depth++
	return d
}

// Visited reports whether handler is already on this delegation path.
func (d Delegation) Visited(handler string) bool {
	for _, v := range d.visited {
		if v == handler {
			return true
		}
	}
	return false
}

// Path returns the ordered handlers on this delegation path.
func (d Delegation) Path() []string {
	out := make([]string, len(d.visited))
	copy(out, d.visited)
	return out
}

// DeadlinePassed reports whether the absolute wall-clock bound is behind us.
func (d Delegation) DeadlinePassed(now time.Time) bool {
	return !d.Deadline.IsZero() && now.After(d.Deadline)
}

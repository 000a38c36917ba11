package resilience

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// entry holds the live resilience state for one dependency.
type entry struct {
	mu       sync.RWMutex
	policy   Policy
	breaker  *Breaker
	bulkhead *Bulkhead
}

func (e *entry) snapshot() (Policy, *Breaker, *Bulkhead) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy, e.breaker, e.bulkhead
}

// Registry maps dependency names to their breaker, bulkhead, and policy.
// Dependencies are registered at startup from validated config; policies
// can be swapped at runtime on config reload without dropping breaker
// state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *logging.Logger

	// onTransition, when set, is called for every breaker state change
	// in addition to the structured log line.
	onTransition func(name string, from, to BreakerState)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.Named("resilience"),
	}
}

// SetTransitionHook registers an observer for breaker state changes.
// Must be called before Register.
func (r *Registry) SetTransitionHook(fn func(name string, from, to BreakerState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// Register adds a dependency with its policy. Registering a duplicate
// name is a programming error and fails.
func (r *Registry) Register(name string, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("dependency %q already registered", name)
	}

	hook := r.onTransition
	br := NewBreaker(p.BreakerThreshold, p.OpenDuration)
	br.OnTransition(func(from, to BreakerState) {
		r.logger.Warn(context.Background(), "circuit breaker state change",
			zap.String("dependency", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if hook != nil {
			hook(name, from, to)
		}
	})

	r.entries[name] = &entry{
		policy:   p,
		breaker:  br,
		bulkhead: NewBulkhead(p.BulkheadCapacity, p.BulkheadWait),
	}
	return nil
}

// UpdatePolicy swaps the retry and timeout parameters for a dependency at
// runtime. The breaker keeps its current state; the bulkhead is rebuilt
// only when its capacity changed.
func (r *Registry) UpdatePolicy(name string, p Policy) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p.BulkheadCapacity != e.policy.BulkheadCapacity || p.BulkheadWait != e.policy.BulkheadWait {
		e.bulkhead = NewBulkhead(p.BulkheadCapacity, p.BulkheadWait)
	}
	e.policy = p
	return nil
}

// lookup returns the entry for a dependency name.
func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}
	return e, nil
}

// Names returns the registered dependency names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// DependencyStatus is a point-in-time view of one dependency's health.
type DependencyStatus struct {
	Name         string `json:"name"`
	BreakerState string `json:"breaker_state"`
	Failures     int    `json:"failures"`
}

// Snapshot returns the current state of every dependency for health
// reporting.
func (r *Registry) Snapshot() []DependencyStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DependencyStatus, 0, len(r.entries))
	for name, e := range r.entries {
		_, br, _ := e.snapshot()
		out = append(out, DependencyStatus{
			Name:         name,
			BreakerState: br.State().String(),
			Failures:     br.Failures(),
		})
	}
	return out
}

package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// StateClosed allows calls and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen fails calls fast until the open duration elapses.
	StateOpen
	// StateHalfOpen allows a single trial call to probe recovery.
	StateHalfOpen
)

// String returns the state name for logs and metrics.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-dependency circuit breaker. It opens after a threshold
// of consecutive failures, fails fast for the open duration, then allows a
// single half-open trial. A successful trial closes the circuit; a failed
// trial reopens it for a fresh open duration.
type Breaker struct {
	mu sync.Mutex

	threshold    int
	openDuration time.Duration

	state        BreakerState
	failures     int
	openedAt     time.Time
	trialPending bool

	// now is injectable for deterministic tests.
	now func() time.Time

	onTransition func(from, to BreakerState)
}

// NewBreaker creates a closed breaker with the given failure threshold
// and open duration.
func NewBreaker(threshold int, openDuration time.Duration) *Breaker {
	return &Breaker{
		threshold:    threshold,
		openDuration: openDuration,
		state:        StateClosed,
		now:          time.Now,
	}
}

// OnTransition registers a callback invoked (under the breaker lock) for
// every state change. Used for structured logging and metrics.
func (b *Breaker) OnTransition(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether a call may proceed and whether it is a half-open
// trial. An open breaker whose open duration has elapsed moves to
// half-open and admits exactly one trial; concurrent callers during the
// trial are rejected.
func (b *Breaker) Allow() (ok bool, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return false, false
		}
		b.transition(StateHalfOpen)
		b.trialPending = true
		return true, true
	case StateHalfOpen:
		if b.trialPending {
			return false, false
		}
		b.trialPending = true
		return true, true
	default:
		return false, false
	}
}

// RecordSuccess resets the failure count. In half-open it closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.trialPending = false
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure. In closed state it opens the circuit at
// the threshold; in half-open it reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case StateHalfOpen:
		b.trialPending = false
		b.open()
	}
}

// State returns the current state, accounting for an elapsed open
// duration (reported as half-open since the next call would be a trial).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openDuration {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) open() {
	b.failures = 0
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}

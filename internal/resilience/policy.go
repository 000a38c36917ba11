package resilience

import (
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/config"
)

// Policy holds the resilience parameters for one dependency. All values
// come from validated configuration; a zero Policy is never usable.
type Policy struct {
	// BreakerThreshold is the number of consecutive failures that opens
	// the circuit.
	BreakerThreshold int
	// OpenDuration is how long the circuit stays open before allowing a
	// half-open trial.
	OpenDuration time.Duration

	// MaxAttempts bounds the retry loop, including the first attempt.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential backoff growth.
	MaxBackoff time.Duration
	// BackoffMultiplier scales the delay between consecutive retries.
	BackoffMultiplier float64

	// BulkheadCapacity is the maximum concurrent in-flight calls.
	BulkheadCapacity int
	// BulkheadWait bounds how long a caller waits for a slot.
	BulkheadWait time.Duration

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration
}

// PolicyFromConfig converts a validated dependency config into a Policy.
func PolicyFromConfig(dc config.DependencyConfig) Policy {
	return Policy{
		BreakerThreshold:  dc.BreakerThreshold,
		OpenDuration:      dc.OpenDuration.Duration(),
		MaxAttempts:       dc.MaxAttempts,
		InitialBackoff:    dc.InitialBackoff.Duration(),
		MaxBackoff:        dc.MaxBackoff.Duration(),
		BackoffMultiplier: dc.BackoffMultiplier,
		BulkheadCapacity:  dc.BulkheadCapacity,
		BulkheadWait:      dc.BulkheadWait.Duration(),
		AttemptTimeout:    dc.AttemptTimeout.Duration(),
	}
}

package resilience

import "errors"

var (
	// ErrDependencyUnavailable is returned without attempting the call
	// when a dependency's circuit breaker is open.
	ErrDependencyUnavailable = errors.New("dependency unavailable: circuit open")

	// ErrBulkheadTimeout is returned when a caller waited the configured
	// bulkhead wait and no concurrency slot freed up.
	ErrBulkheadTimeout = errors.New("bulkhead full: no slot within wait")

	// ErrDependencyExhausted is returned when every retry attempt failed.
	ErrDependencyExhausted = errors.New("dependency exhausted: all attempts failed")

	// ErrAttemptTimeout is returned when a single attempt exceeded the
	// configured attempt timeout. It is always retryable.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrUnknownDependency is returned when a call names a dependency
	// that was never registered.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// transient marks an error as retryable. Errors that do not implement it
// (and are not one of the always-transient sentinels) are treated as
// permanent and fail without retry.
type transient interface {
	Transient() bool
}

// transientError wraps an error and marks it retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// Transient wraps err so the retry layer will re-attempt it. Operations
// call this when a failure is known to be temporary, such as a 5xx
// response or a connection reset.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return true
	}
	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

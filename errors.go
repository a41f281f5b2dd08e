package dispatchz

import (
	"fmt"
	"strings"
	"time"
)

// ConfigurationError indicates an invalid construction parameter.
type ConfigurationError struct {
	Parameter string
	Value     int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dispatchz: invalid %s: %d", e.Parameter, e.Value)
}

// UsageError indicates an operation attempted while the dispatcher was in a
// state that forbids it (e.g. Add after Dispose, ExecuteAndWait with no
// callables registered).
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("dispatchz: %s: %s", e.Op, e.Reason)
}

func usageError(op, reason string) *UsageError {
	return &UsageError{Op: op, Reason: reason}
}

// CallableError wraps a single callable's failure. Index is the node's
// position in registration order; it is best-effort context for
// diagnostics, not an authoritative record of which worker ran it, since
// stealing means any node can end up running on any worker.
type CallableError struct {
	Err       error
	Recovered any // non-nil if the callable panicked rather than returning an error
	Timestamp time.Time
	Index     int
}

func (e *CallableError) Error() string {
	if e.Recovered != nil {
		return fmt.Sprintf("dispatchz: callable %d panicked: %v", e.Index, e.Recovered)
	}
	return fmt.Sprintf("dispatchz: callable %d failed: %v", e.Index, e.Err)
}

func (e *CallableError) Unwrap() error {
	return e.Err
}

// AggregatedError preserves every callable failure from one cycle without
// summarizing any of them away. Unwrap returns the full slice, the same
// shape the standard library's errors.Join uses, so errors.Is and
// errors.As still reach into any individual CallableError.
type AggregatedError struct {
	Errors []error
}

func (e *AggregatedError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("dispatchz: %d callables failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AggregatedError) Unwrap() []error {
	return e.Errors
}

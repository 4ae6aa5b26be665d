package models

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleReading marks a reading that lost the ordering check. Callers drop it silently.
	ErrStaleReading = errors.New("stale reading")
	// ErrDispatchUnreachable is returned by a device channel that cannot reach the vehicle.
	ErrDispatchUnreachable = errors.New("unreachable")
	// ErrCommandTimeout is the terminal reason recorded when no ack arrives in time.
	ErrCommandTimeout = errors.New("command acknowledgement timed out")
	ErrNotFound       = errors.New("not found")
)

// ValidationError reports which field of an inbound payload was rejected.
// It is never retryable as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps a persistence failure. It is retryable.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed if the same request is repeated.
func IsRetryable(err error) bool {
	var storeErr *StoreUnavailableError
	return errors.As(err, &storeErr)
}

package store

import (
	"errors"
	"fmt"
)

// ErrAuthRequired means the actor has no valid identity toward the
// store. Callers propagate it up to force a re-authentication flow.
var ErrAuthRequired = errors.New("authentication required")

// ErrNotFound means the addressed session does not exist (or was
// deleted) for this owner.
var ErrNotFound = errors.New("session not found")

// TransportError means the store was unreachable or timed out. Reads
// are retried by the next poll tick; writes surface it to the caller
// and are never auto-retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ValidationError marks input rejected before any network call was
// made. It never reaches the store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation rejected: " + e.Reason
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Package errs defines the error taxonomy shared by the verification core.
// Validation and unknown-entity cases are converted to structured results at
// the component boundary; persistence and resource-exhaustion propagate so the
// caller can apply its own retry policy.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when the connection pool has no free slot.
	// Callers should back off and retry; the core never blocks waiting.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConflict is returned when an insert collides with an existing row,
	// e.g. a duplicate challenge ID.
	ErrConflict = errors.New("conflicting record already exists")

	// ErrUnknownEntity marks lookups of records that do not exist. Components
	// facing untrusted callers convert it to a structured negative result.
	ErrUnknownEntity = errors.New("unknown entity")
)

// ValidationError rejects malformed input (not a mapping, out-of-range field).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
	}
	return "invalid input: " + e.Reason
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError wraps a durable-storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it already carries
// taxonomy meaning (pool exhaustion, conflict) that callers match on.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrConflict) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

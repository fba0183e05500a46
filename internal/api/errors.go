package api

import (
	"errors"
	"fmt"
)

// ErrDuplicateRun is returned when a transaction carrying an already
// stored idempotency key is appended with different content. Matching
// content is surfaced as a no-op success instead.
var ErrDuplicateRun = errors.New("duplicate benchmark run")

// ErrSnapshotNotFound is returned by reads and checkouts that target a
// key or version with no stored row.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrTransactionNotFound is returned when a transaction id has no row.
var ErrTransactionNotFound = errors.New("transaction not found")

// ValidationError flags a malformed input record before it reaches the
// write path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
}

// PersistenceError wraps a transient storage failure. The whole upsert
// call is safe to retry with the same idempotency key.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller should retry the operation.
// Duplicate and validation failures are permanent; persistence
// failures are transient.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

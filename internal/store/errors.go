package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
// Callers treat it as an empty result, not a failure.
var ErrNotFound = errors.New("not found")

// ErrWatchClosed is returned when an operation targets a watch row whose
// status is closed. Closed is terminal; only an explicit re-watch creates
// a fresh row.
var ErrWatchClosed = errors.New("watch is closed")

// CorruptError means the file at Path is not a valid store (wrong format,
// truncated header). It is never auto-repaired.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s is not a valid store: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// ReconcileError means the schema reconciliation pass itself failed
// (e.g. disk full while recreating a missing table). Fatal to the open.
type ReconcileError struct {
	Object string
	Err    error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("store schema incomplete, repair attempted and failed on %s: %v", e.Object, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

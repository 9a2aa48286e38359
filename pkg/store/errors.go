package store

import "fmt"

// PersistenceError wraps a failed pebble mutation. Callers keep their
// optimistic in-memory view and schedule a background re-flush instead of
// rolling back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

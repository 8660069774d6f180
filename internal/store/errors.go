package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by write operations that target a missing id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when inserting an id that already exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrConflict is returned when a conditional update finds the record in a different state,
	// e.g. completing a task that is already terminal.
	ErrConflict = errors.New("record changed concurrently or is in a terminal state")
)

// StorageError wraps a failure reported by the backend.
type StorageError struct {
	Op         string
	Collection Collection
	Err        error
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrap leaves domain sentinels bare and wraps everything else as a StorageError.
func wrap(op string, col Collection, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict) {
		return err
	}
	return &StorageError{Op: op, Collection: col, Err: err}
}

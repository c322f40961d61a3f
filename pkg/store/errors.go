package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Load when no artifact exists for the key.
	// Callers treat this as "train from scratch", not as a failure.
	ErrNotFound = errors.New("no artifact for key")

	// ErrDestinationConflict is returned by Save when an artifact already
	// exists and the caller did not ask to overwrite. Silently replacing a
	// trained model is never the right default — the caller chooses to
	// version or replace explicitly.
	ErrDestinationConflict = errors.New("artifact already exists at destination")

	// ErrLocked is returned when another training run holds the advisory
	// lock for the key's storage path.
	ErrLocked = errors.New("artifact key is locked by another run")
)

// ConflictError carries the existing artifact's path so the caller's error
// message points at the file that would have been clobbered.
type ConflictError struct {
	Key  Key
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", ErrDestinationConflict, e.Key, e.Path)
}

func (e *ConflictError) Unwrap() error { return ErrDestinationConflict }

// NotFoundError wraps ErrNotFound with the key that missed.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotFound, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

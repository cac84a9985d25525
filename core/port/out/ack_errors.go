// Package out defines the outbound ports of the confirmation engine.
package out

import "errors"

// Sentinel errors shared across adapters and services.
var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockBusy means another writer holds the case lock. Callers must
	// treat it as not-my-turn and skip, never spin.
	ErrLockBusy = errors.New("case lock busy")

	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("duplicate entry")
)

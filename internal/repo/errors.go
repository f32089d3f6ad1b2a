package repo

import "errors"

var (
	// ErrNotFound is returned when a read targets a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusMismatch is returned when a conditional update matched no row
	// in the required status. The caller re-reads to distinguish a missing
	// row from a row in the wrong state.
	ErrStatusMismatch = errors.New("status precondition not met")

	// ErrAlreadyExists is returned when an insert collides with an existing id.
	ErrAlreadyExists = errors.New("already exists")
)

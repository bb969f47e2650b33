package repository

import "errors"

var (
	// ErrNotFound indicates the team does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrAlreadyExists indicates an insert collided on the primary key.
	ErrAlreadyExists = errors.New("repository: already exists")
	// ErrVersionConflict indicates a conditional write lost against a
	// newer version of the row.
	ErrVersionConflict = errors.New("repository: version conflict")
)

package repo

import "errors"

var (
	// ErrNotFound is returned when a referenced experiment, run, or
	// entry does not exist in the backend store.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when creating an experiment whose
	// name collides with an active experiment.
	ErrDuplicateName = errors.New("duplicate experiment name")

	// ErrDuplicateKey is returned when inserting a param key that is
	// already present on the run.
	ErrDuplicateKey = errors.New("duplicate key")
)

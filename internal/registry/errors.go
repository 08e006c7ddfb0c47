package registry

import "errors"

var (
	// ErrNoExperiment is returned when a run is started before any
	// experiment has been selected.
	ErrNoExperiment = errors.New("no experiment selected")

	// ErrNoActiveRun is returned when an operation needs a current run
	// and the run stack is empty.
	ErrNoActiveRun = errors.New("no active run")

	// ErrInvalidNesting is returned when a nested run is requested
	// with no current run and no explicit parent.
	ErrInvalidNesting = errors.New("nested run requires an active parent run")

	// ErrImmutableParam is returned when a param key is re-logged with
	// a different value. Re-logging the identical value is a no-op.
	ErrImmutableParam = errors.New("param already logged with a different value")

	// ErrRunClosed is returned when a mutating operation targets a run
	// that is no longer running.
	ErrRunClosed = errors.New("run is not running")
)

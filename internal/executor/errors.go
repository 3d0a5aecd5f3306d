package executor

import "errors"

var (
	// ErrUnknownJob is returned when no run exists for a job identifier.
	ErrUnknownJob = errors.New("executor: unknown job")
	// ErrShuttingDown is returned by Submit after Shutdown began.
	ErrShuttingDown = errors.New("executor: shutting down")
	// ErrInvalidAssignment is returned for an assignment without an identifier.
	ErrInvalidAssignment = errors.New("executor: invalid assignment")
)

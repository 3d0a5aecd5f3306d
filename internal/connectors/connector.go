// Package connectors defines how a job spec becomes a running process.
package connectors

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Job is everything a connector needs to start one assignment.
type Job struct {
	ID string
	// Spec is the opaque payload from the assignment.
	Spec json.RawMessage
	// Dir is the job's exclusive working directory.
	Dir string
	// Output receives combined stdout and stderr.
	Output io.Writer
	// Env is appended to the runner's environment.
	Env []string
}

// ExecResult holds the result of a finished process.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Process is a started job.
type Process interface {
	// Wait blocks until the process exits. A non-zero exit is reported in
	// ExecResult, not as an error.
	Wait() (*ExecResult, error)
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
}

// Connector defines the interface for starting jobs.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Start launches the job described by job.Spec. Errors mean the job
	// could not be started at all.
	Start(ctx context.Context, job Job) (Process, error)
}

package executor

import (
	"sync"
	"time"

	"github.com/hatchway/runner/internal/connectors"
	"github.com/hatchway/runner/internal/models"
)

// ReasonForced is the failure reason of a job killed after its cancel grace.
const ReasonForced = "cancelled, forced"

// JobRun is the mutable execution record for one assignment. Exactly one
// exists per job identifier for the executor's lifetime.
type JobRun struct {
	assignment models.JobAssignment
	dir        string
	outputRef  string
	dirErr     error

	mu              sync.Mutex
	state           models.JobState
	reason          string
	exitCode        *int
	queuedAt        time.Time
	startedAt       time.Time
	endedAt         time.Time
	proc            connectors.Process
	cancelRequested bool
	forced          bool

	done chan struct{}
}

// ID returns the job identifier.
func (r *JobRun) ID() string { return r.assignment.ID }

// State returns the current state.
func (r *JobRun) State() models.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed when the run reaches a terminal state.
func (r *JobRun) Done() <-chan struct{} { return r.done }

// Snapshot returns an immutable copy of the record.
func (r *JobRun) Snapshot() models.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := models.RunSummary{
		JobID:     r.assignment.ID,
		State:     r.state,
		Reason:    r.reason,
		TargetDir: r.assignment.TargetDir,
		Dir:       r.dir,
		OutputRef: r.outputRef,
		QueuedAt:  r.queuedAt,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
	}
	if r.exitCode != nil {
		code := *r.exitCode
		s.ExitCode = &code
	}
	return s
}

// finish moves the run to a terminal state. It reports false if the run
// was already terminal.
func (r *JobRun) finish(state models.JobState, reason string, exitCode *int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = state
	r.reason = reason
	r.exitCode = exitCode
	r.endedAt = now
	r.proc = nil
	close(r.done)
	return true
}

// Package models defines the core domain types shared by the runner components.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState represents the current state of a job run.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// JobAssignment is a unit of work dispatched by the broker. It is immutable
// after receipt.
type JobAssignment struct {
	ID string `json:"job_id"`
	// Spec is opaque to the executor; the connector interprets it.
	Spec json.RawMessage `json:"spec"`
	// TargetDir is relative to the workspace root.
	TargetDir  string    `json:"target_dir,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ConnectionPhase is the phase component of a ConnectionState.
type ConnectionPhase string

const (
	PhaseDisconnected   ConnectionPhase = "disconnected"
	PhaseConnecting     ConnectionPhase = "connecting"
	PhaseAuthenticating ConnectionPhase = "authenticating"
	PhaseConnected      ConnectionPhase = "connected"
	PhaseReconnecting   ConnectionPhase = "reconnecting"
	PhaseClosed         ConnectionPhase = "closed"
)

// ConnectionState is a point-in-time view of the broker connection. Attempt
// and Delay are only meaningful while Reconnecting (Attempt is also carried
// through Connecting so observers can tell a first dial from a retry).
type ConnectionState struct {
	Phase   ConnectionPhase `json:"phase"`
	Attempt int             `json:"attempt,omitempty"`
	Delay   time.Duration   `json:"delay,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("%s (attempt %d, in %s)", s.Phase, s.Attempt, s.Delay.Round(time.Millisecond))
	}
	return string(s.Phase)
}

// EventKind tags a LifecycleEvent.
type EventKind string

const (
	EventJobQueued              EventKind = "job_queued"
	EventJobStarted             EventKind = "job_started"
	EventJobOutput              EventKind = "job_output"
	EventJobFinished            EventKind = "job_finished"
	EventConnectionStateChanged EventKind = "connection_state_changed"
	EventAuthFailure            EventKind = "auth_failure"
)

// LifecycleEvent is an immutable, timestamped fact emitted by the executor or
// the broker connection. Consumers must treat Chunk as read-only.
type LifecycleEvent struct {
	Kind  EventKind `json:"kind"`
	Time  time.Time `json:"time"`
	JobID string    `json:"job_id,omitempty"`

	// State and Reason are set on job_finished (and State on job_queued /
	// job_started for convenience).
	State  JobState `json:"state,omitempty"`
	Reason string   `json:"reason,omitempty"`

	// Chunk is set on job_output.
	Chunk []byte `json:"chunk,omitempty"`

	// Connection is set on connection_state_changed.
	Connection ConnectionState `json:"connection,omitempty"`
}

// IsJobEvent reports whether the event describes a job rather than the
// connection.
func (e LifecycleEvent) IsJobEvent() bool {
	switch e.Kind {
	case EventJobQueued, EventJobStarted, EventJobOutput, EventJobFinished:
		return true
	}
	return false
}

// RunSummary is an immutable copy of a job run's execution record.
type RunSummary struct {
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	TargetDir string    `json:"target_dir,omitempty"`
	Dir       string    `json:"dir,omitempty"`
	OutputRef string    `json:"output_ref,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Elapsed is the time spent running, or waiting while still queued.
func (r RunSummary) Elapsed(now time.Time) time.Duration {
	switch {
	case r.StartedAt.IsZero() && !r.EndedAt.IsZero():
		return 0
	case r.StartedAt.IsZero():
		return now.Sub(r.QueuedAt)
	case r.EndedAt.IsZero():
		return now.Sub(r.StartedAt)
	default:
		return r.EndedAt.Sub(r.StartedAt)
	}
}

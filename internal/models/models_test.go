package models

import (
	"testing"
	"time"
)

func TestJobStateTerminal(t *testing.T) {
	tests := []struct {
		state JobState
		want  bool
	}{
		{JobStateQueued, false},
		{JobStateRunning, false},
		{JobStateSucceeded, true},
		{JobStateFailed, true},
		{JobStateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.state, tt.want, got)
		}
	}
}

func TestRunSummaryElapsed(t *testing.T) {
	q := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := q.Add(10 * time.Second)

	tests := []struct {
		name string
		run  RunSummary
		want time.Duration
	}{
		{"queued", RunSummary{QueuedAt: q}, 10 * time.Second},
		{"running", RunSummary{QueuedAt: q, StartedAt: q.Add(4 * time.Second)}, 6 * time.Second},
		{"finished", RunSummary{QueuedAt: q, StartedAt: q.Add(time.Second), EndedAt: q.Add(3 * time.Second)}, 2 * time.Second},
		{"cancelled while queued", RunSummary{QueuedAt: q, EndedAt: q.Add(2 * time.Second)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.run.Elapsed(now); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	s := ConnectionState{Phase: PhaseReconnecting, Attempt: 3, Delay: 4 * time.Second}
	if got, want := s.String(), "reconnecting (attempt 3, in 4s)"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if got := (ConnectionState{Phase: PhaseConnected}).String(); got != "connected" {
		t.Errorf("Expected connected, got %q", got)
	}
}

func TestIsJobEvent(t *testing.T) {
	if !(LifecycleEvent{Kind: EventJobOutput}).IsJobEvent() {
		t.Error("job_output should be a job event")
	}
	if (LifecycleEvent{Kind: EventAuthFailure}).IsJobEvent() {
		t.Error("auth_failure should not be a job event")
	}
}

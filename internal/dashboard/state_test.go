package dashboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/hatchway/runner/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func jobEvent(kind models.EventKind, id string, at time.Duration) models.LifecycleEvent {
	return models.LifecycleEvent{Kind: kind, JobID: id, Time: t0.Add(at)}
}

func TestStateJobLifecycle(t *testing.T) {
	s := NewState(0)

	s.Apply(jobEvent(models.EventJobQueued, "job-1", 0))
	s.Apply(jobEvent(models.EventJobStarted, "job-1", 2*time.Second))
	out := jobEvent(models.EventJobOutput, "job-1", 3*time.Second)
	out.Chunk = []byte("hello\n")
	s.Apply(out)

	snap := s.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(snap.Jobs))
	}
	row := snap.Jobs[0]
	if row.State != models.JobStateRunning {
		t.Errorf("Expected running, got %s", row.State)
	}
	if row.OutputBytes != 6 {
		t.Errorf("Expected 6 output bytes, got %d", row.OutputBytes)
	}
	if got := row.Elapsed(t0.Add(10 * time.Second)); got != 8*time.Second {
		t.Errorf("Expected 8s elapsed while running, got %v", got)
	}
	if snap.Running != 1 || snap.Queued != 0 {
		t.Errorf("Unexpected counts running=%d queued=%d", snap.Running, snap.Queued)
	}

	fin := jobEvent(models.EventJobFinished, "job-1", 7*time.Second)
	fin.State = models.JobStateFailed
	fin.Reason = "exit status 1"
	s.Apply(fin)

	row = s.Snapshot().Jobs[0]
	if row.State != models.JobStateFailed || row.Reason != "exit status 1" {
		t.Errorf("Unexpected finished row %+v", row)
	}
	if got := row.Elapsed(t0.Add(time.Hour)); got != 5*time.Second {
		t.Errorf("Elapsed should freeze at 5s once finished, got %v", got)
	}
}

func TestStateConnectionAndAuth(t *testing.T) {
	s := NewState(0)
	if s.Snapshot().Connection.Phase != models.PhaseDisconnected {
		t.Error("Expected initial phase disconnected")
	}

	s.Apply(models.LifecycleEvent{Kind: models.EventAuthFailure, Reason: "token revoked"})
	s.Apply(models.LifecycleEvent{
		Kind:       models.EventConnectionStateChanged,
		Connection: models.ConnectionState{Phase: models.PhaseClosed},
	})
	snap := s.Snapshot()
	if snap.AuthFailure != "token revoked" || snap.Connection.Phase != models.PhaseClosed {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	s.Apply(models.LifecycleEvent{
		Kind:       models.EventConnectionStateChanged,
		Connection: models.ConnectionState{Phase: models.PhaseConnected},
	})
	if s.Snapshot().AuthFailure != "" {
		t.Error("Connecting again should clear the auth failure")
	}
}

func TestStateOrderAndEviction(t *testing.T) {
	s := NewState(3)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		s.Apply(jobEvent(models.EventJobQueued, id, time.Duration(i)*time.Second))
	}
	done := jobEvent(models.EventJobFinished, "job-2", 5*time.Second)
	done.State = models.JobStateSucceeded
	s.Apply(done)

	s.Apply(jobEvent(models.EventJobQueued, "job-4", 6*time.Second))

	snap := s.Snapshot()
	var ids []string
	for _, r := range snap.Jobs {
		ids = append(ids, r.ID)
	}
	want := []string{"job-1", "job-3", "job-4"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}

	// Nothing is finished, so the limit is exceeded rather than dropping an active job.
	s.Apply(jobEvent(models.EventJobQueued, "job-5", 7*time.Second))
	if n := len(s.Snapshot().Jobs); n != 4 {
		t.Errorf("Expected active rows to be kept, got %d rows", n)
	}
}

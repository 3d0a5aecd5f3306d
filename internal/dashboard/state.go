// Package dashboard renders the lifecycle event stream for the operator,
// either as a full-screen TUI or as an append-only log.
package dashboard

import (
	"sort"
	"sync"
	"time"

	"github.com/hatchway/runner/internal/models"
)

// DefaultMaxRows bounds how many job rows are retained. Finished rows are
// evicted oldest first once the limit is reached.
const DefaultMaxRows = 200

// JobRow is the dashboard's view of one job run.
type JobRow struct {
	ID          string
	State       models.JobState
	Reason      string
	QueuedAt    time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	OutputBytes int
	seq         int
}

// Elapsed is the running time of the job, or how long it has been waiting.
func (r JobRow) Elapsed(now time.Time) time.Duration {
	return models.RunSummary{
		QueuedAt:  r.QueuedAt,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
	}.Elapsed(now)
}

// Snapshot is an immutable copy of the dashboard state.
type Snapshot struct {
	Connection  models.ConnectionState
	AuthFailure string
	Jobs        []JobRow
	Running     int
	Queued      int
	Finished    int
}

// State reduces lifecycle events into a Snapshot. It is safe for concurrent
// use; Apply never blocks on rendering.
type State struct {
	mu          sync.Mutex
	conn        models.ConnectionState
	authFailure string
	rows        map[string]*JobRow
	maxRows     int
	seq         int
}

// NewState creates an empty state retaining at most maxRows job rows.
func NewState(maxRows int) *State {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &State{
		conn:    models.ConnectionState{Phase: models.PhaseDisconnected},
		rows:    make(map[string]*JobRow),
		maxRows: maxRows,
	}
}

// Apply folds ev into the state.
func (s *State) Apply(ev models.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case models.EventConnectionStateChanged:
		s.conn = ev.Connection
		if ev.Connection.Phase == models.PhaseConnected {
			s.authFailure = ""
		}
		return
	case models.EventAuthFailure:
		s.authFailure = ev.Reason
		return
	}
	if ev.JobID == "" {
		return
	}

	row, ok := s.rows[ev.JobID]
	if !ok {
		s.seq++
		row = &JobRow{ID: ev.JobID, State: models.JobStateQueued, QueuedAt: ev.Time, seq: s.seq}
		s.rows[ev.JobID] = row
		s.evictLocked()
	}

	switch ev.Kind {
	case models.EventJobQueued:
		row.QueuedAt = ev.Time
	case models.EventJobStarted:
		row.State = models.JobStateRunning
		row.StartedAt = ev.Time
	case models.EventJobOutput:
		row.OutputBytes += len(ev.Chunk)
	case models.EventJobFinished:
		row.State = ev.State
		row.Reason = ev.Reason
		row.EndedAt = ev.Time
	}
}

// evictLocked drops the oldest finished rows while over the limit. Active
// rows are never evicted.
func (s *State) evictLocked() {
	for len(s.rows) > s.maxRows {
		var oldest *JobRow
		for _, r := range s.rows {
			if !r.State.Terminal() {
				continue
			}
			if oldest == nil || r.seq < oldest.seq {
				oldest = r
			}
		}
		if oldest == nil {
			return
		}
		delete(s.rows, oldest.ID)
	}
}

// Snapshot returns a copy of the current state with jobs in arrival order.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Connection:  s.conn,
		AuthFailure: s.authFailure,
		Jobs:        make([]JobRow, 0, len(s.rows)),
	}
	for _, r := range s.rows {
		snap.Jobs = append(snap.Jobs, *r)
		switch {
		case r.State == models.JobStateRunning:
			snap.Running++
		case r.State == models.JobStateQueued:
			snap.Queued++
		default:
			snap.Finished++
		}
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].seq < snap.Jobs[j].seq })
	return snap
}

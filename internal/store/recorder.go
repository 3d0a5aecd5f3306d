package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hatchway/runner/internal/models"
)

// DefaultRecorderBuffer bounds the events waiting to be written.
const DefaultRecorderBuffer = 256

// RunLookup returns the executor's current record of a job.
type RunLookup func(jobID string) (models.RunSummary, bool)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Store    *Store
	RunnerID string
	// SessionID groups the runs of one runner process. Empty picks a new one.
	SessionID string
	// Lookup enriches rows with executor-only fields such as the exit code.
	Lookup RunLookup
	Buffer int
	Logger *slog.Logger
}

// Recorder is an event sink that keeps one job_runs row per job. History
// is best-effort: a full queue or a failed write is logged and skipped.
type Recorder struct {
	opts   RecorderOptions
	logger *slog.Logger

	mu     sync.Mutex
	ch     chan models.LifecycleEvent
	closed bool
	done   chan struct{}
}

// NewRecorder starts a recorder writing to opts.Store.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultRecorderBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	r := &Recorder{
		opts:   opts,
		logger: opts.Logger.With("component", "history"),
		ch:     make(chan models.LifecycleEvent, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// SetLookup installs the executor lookup. It must be called before events
// are delivered.
func (r *Recorder) SetLookup(lookup RunLookup) {
	r.mu.Lock()
	r.opts.Lookup = lookup
	r.mu.Unlock()
}

// Deliver implements events.Sink. Output chunks are not recorded.
func (r *Recorder) Deliver(ev models.LifecycleEvent) {
	switch ev.Kind {
	case models.EventJobQueued, models.EventJobStarted, models.EventJobFinished:
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- ev:
	default:
		r.logger.Warn("job history queue full, skipping event", "job_id", ev.JobID, "kind", ev.Kind)
	}
}

// Close writes the queued events and stops the recorder.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.ch {
		summary := r.summarize(ev)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.opts.Store.UpsertRun(ctx, r.opts.SessionID, r.opts.RunnerID, summary)
		cancel()
		if err != nil {
			r.logger.Warn("failed to record job run", "job_id", ev.JobID, "error", err)
		}
	}
}

func (r *Recorder) summarize(ev models.LifecycleEvent) models.RunSummary {
	r.mu.Lock()
	lookup := r.opts.Lookup
	r.mu.Unlock()

	summary := models.RunSummary{JobID: ev.JobID, State: ev.State}
	if lookup != nil {
		if s, ok := lookup(ev.JobID); ok {
			summary = s
		}
	}

	// The event describes this step; the lookup may already be further along.
	switch ev.Kind {
	case models.EventJobQueued:
		if summary.QueuedAt.IsZero() {
			summary.QueuedAt = ev.Time
		}
		if summary.State == "" {
			summary.State = models.JobStateQueued
		}
	case models.EventJobStarted:
		if summary.StartedAt.IsZero() {
			summary.StartedAt = ev.Time
		}
		if summary.State == "" || summary.State == models.JobStateQueued {
			summary.State = models.JobStateRunning
		}
	case models.EventJobFinished:
		summary.State = ev.State
		summary.Reason = ev.Reason
		if summary.EndedAt.IsZero() {
			summary.EndedAt = ev.Time
		}
	}
	if summary.QueuedAt.IsZero() {
		summary.QueuedAt = ev.Time
	}
	return summary
}

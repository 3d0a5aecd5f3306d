// Package executor runs job assignments inside the workspace with a bounded
// number of concurrent jobs.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hatchway/runner/internal/connectors"
	"github.com/hatchway/runner/internal/events"
	"github.com/hatchway/runner/internal/models"
)

// Options configures an Executor.
type Options struct {
	Workspace string
	Connector connectors.Connector
	Config    *Config
	Events    events.Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Executor manages a FIFO queue of job runs and their workers.
type Executor struct {
	workspace string
	connector connectors.Connector
	config    *Config
	events    events.Publisher
	logger    *slog.Logger
	clock     func() time.Time

	// dirMu serializes job directory claims.
	dirMu sync.Mutex

	mu      sync.Mutex
	runs    map[string]*JobRun
	order   []*JobRun
	queue   []*JobRun
	running int
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		workspace: opts.Workspace,
		connector: opts.Connector,
		config:    opts.Config.normalized(),
		events:    opts.Events,
		logger:    opts.Logger.With("component", "executor"),
		clock:     opts.Clock,
		runs:      make(map[string]*JobRun),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit registers an assignment. Submitting a known identifier returns the
// existing run and starts nothing.
func (e *Executor) Submit(a models.JobAssignment) (*JobRun, error) {
	if a.ID == "" {
		return nil, ErrInvalidAssignment
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if run, ok := e.runs[a.ID]; ok {
		e.logger.Debug("duplicate assignment ignored", "job_id", a.ID)
		return run, nil
	}
	if e.closing {
		return nil, ErrShuttingDown
	}

	now := e.clock()
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = now
	}
	run := &JobRun{
		assignment: a,
		outputRef:  LogPath(e.workspace, a.ID),
		state:      models.JobStateQueued,
		queuedAt:   now,
		done:       make(chan struct{}),
	}
	run.dir, run.dirErr = JobDir(e.workspace, a.TargetDir, a.ID)

	e.runs[a.ID] = run
	e.order = append(e.order, run)
	e.queue = append(e.queue, run)
	e.events.Publish(models.LifecycleEvent{
		Kind:  models.EventJobQueued,
		Time:  now,
		JobID: a.ID,
		State: models.JobStateQueued,
	})
	e.logger.Info("job queued", "job_id", a.ID, "queue_len", len(e.queue))

	e.dispatchLocked()
	return run, nil
}

// dispatchLocked starts queued runs while slots are free. e.mu must be held.
func (e *Executor) dispatchLocked() {
	for e.running < e.config.MaxConcurrent && len(e.queue) > 0 {
		run := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]

		now := e.clock()
		run.mu.Lock()
		run.state = models.JobStateRunning
		run.startedAt = now
		run.mu.Unlock()

		e.running++
		e.events.Publish(models.LifecycleEvent{
			Kind:  models.EventJobStarted,
			Time:  now,
			JobID: run.ID(),
			State: models.JobStateRunning,
		})
		e.logger.Info("job started", "job_id", run.ID(), "running", e.running)

		e.wg.Add(1)
		go e.runJob(run)
	}
}

func (e *Executor) runJob(run *JobRun) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.running--
		e.dispatchLocked()
		e.mu.Unlock()
	}()
	defer func() {
		// A panic inside one job must not take down the executor.
		if r := recover(); r != nil {
			e.logger.Error("job panicked", "job_id", run.ID(), "panic", r, "stack", string(debug.Stack()))
			run.mu.Lock()
			proc := run.proc
			run.mu.Unlock()
			if proc != nil {
				proc.Kill()
			}
			e.complete(run, models.JobStateFailed, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	state, reason, exitCode := e.execute(run)
	e.complete(run, state, reason, exitCode)
}

func (e *Executor) execute(run *JobRun) (models.JobState, string, *int) {
	if run.dirErr != nil {
		return models.JobStateFailed, run.dirErr.Error(), nil
	}
	e.dirMu.Lock()
	dir, err := ClaimDir(e.workspace, run.dir, run.ID())
	e.dirMu.Unlock()
	if err != nil {
		return models.JobStateFailed, err.Error(), nil
	}
	logFile, logPath, err := CreateLog(run.outputRef)
	if err != nil {
		return models.JobStateFailed, err.Error(), nil
	}
	defer logFile.Close()

	run.mu.Lock()
	run.dir, run.outputRef = dir, logPath
	run.mu.Unlock()
	e.logger.Debug("job dir claimed", "job_id", run.ID(), "dir", dir, "log", logPath)

	if e.connector == nil {
		return models.JobStateFailed, "no connector configured", nil
	}

	out := &outputWriter{jobID: run.ID(), file: logFile, events: e.events, clock: e.clock}
	proc, err := e.connector.Start(e.ctx, connectors.Job{
		ID:     run.ID(),
		Spec:   run.assignment.Spec,
		Dir:    dir,
		Output: out,
		Env: []string{
			"HATCHWAY_JOB_ID=" + run.ID(),
			"HATCHWAY_WORKSPACE=" + e.workspace,
		},
	})
	if err != nil {
		return models.JobStateFailed, err.Error(), nil
	}

	run.mu.Lock()
	run.proc = proc
	cancelled := run.cancelRequested
	run.mu.Unlock()
	if cancelled {
		proc.Terminate()
	}

	res, waitErr := proc.Wait()

	run.mu.Lock()
	cancelled, forced := run.cancelRequested, run.forced
	run.mu.Unlock()

	var exitCode *int
	if res != nil {
		code := res.ExitCode
		exitCode = &code
	}
	switch {
	case forced:
		return models.JobStateFailed, ReasonForced, exitCode
	case cancelled:
		return models.JobStateCancelled, "cancelled", exitCode
	case waitErr != nil:
		return models.JobStateFailed, waitErr.Error(), exitCode
	case res == nil:
		return models.JobStateFailed, "process returned no result", nil
	case res.ExitCode != 0:
		return models.JobStateFailed, fmt.Sprintf("exit status %d", res.ExitCode), exitCode
	default:
		return models.JobStateSucceeded, "", exitCode
	}
}

func (e *Executor) complete(run *JobRun, state models.JobState, reason string, exitCode *int) {
	now := e.clock()
	if !run.finish(state, reason, exitCode, now) {
		return
	}
	e.events.Publish(models.LifecycleEvent{
		Kind:   models.EventJobFinished,
		Time:   now,
		JobID:  run.ID(),
		State:  state,
		Reason: reason,
	})
	if state == models.JobStateSucceeded {
		e.logger.Info("job finished", "job_id", run.ID(), "state", state)
	} else {
		e.logger.Warn("job finished", "job_id", run.ID(), "state", state, "reason", reason)
	}
}

// Cancel stops a job. A queued job becomes Cancelled without running. A
// running job is asked to terminate and killed after the cancel grace,
// ending as Failed("cancelled, forced"). Cancelling a finished job is a
// no-op.
func (e *Executor) Cancel(id string) error {
	e.mu.Lock()
	run, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownJob
	}

	switch run.State() {
	case models.JobStateQueued:
		e.removeQueuedLocked(run)
		e.mu.Unlock()
		e.complete(run, models.JobStateCancelled, "cancelled before start", nil)
		return nil
	case models.JobStateRunning:
		e.mu.Unlock()
		e.cancelRunning(run)
		return nil
	default:
		e.mu.Unlock()
		return nil
	}
}

func (e *Executor) removeQueuedLocked(run *JobRun) {
	for i, queued := range e.queue {
		if queued == run {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Executor) cancelRunning(run *JobRun) {
	run.mu.Lock()
	if run.cancelRequested {
		run.mu.Unlock()
		return
	}
	run.cancelRequested = true
	proc := run.proc
	run.mu.Unlock()

	e.logger.Info("cancelling job", "job_id", run.ID(), "grace", e.config.CancelGrace)
	if proc != nil {
		if err := proc.Terminate(); err != nil {
			e.logger.Debug("terminate failed", "job_id", run.ID(), "error", err)
		}
	}

	go func() {
		timer := time.NewTimer(e.config.CancelGrace)
		defer timer.Stop()
		select {
		case <-run.Done():
			return
		case <-timer.C:
		}

		run.mu.Lock()
		if run.state.Terminal() {
			run.mu.Unlock()
			return
		}
		run.forced = true
		proc := run.proc
		run.mu.Unlock()

		e.logger.Warn("job ignored termination, killing", "job_id", run.ID())
		if proc != nil {
			if err := proc.Kill(); err != nil {
				e.logger.Debug("kill failed", "job_id", run.ID(), "error", err)
			}
		}
	}()
}

// Kill ends every running job at once, skipping the termination grace.
// The jobs finish as Failed("cancelled, forced").
func (e *Executor) Kill() {
	for _, run := range e.runningJobs() {
		run.mu.Lock()
		if run.state.Terminal() {
			run.mu.Unlock()
			continue
		}
		run.cancelRequested = true
		run.forced = true
		proc := run.proc
		run.mu.Unlock()

		e.logger.Warn("killing job", "job_id", run.ID())
		if proc != nil {
			if err := proc.Kill(); err != nil {
				e.logger.Debug("kill failed", "job_id", run.ID(), "error", err)
			}
		}
	}
}

func (e *Executor) runningJobs() []*JobRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	var running []*JobRun
	for _, run := range e.order {
		if run.State() == models.JobStateRunning {
			running = append(running, run)
		}
	}
	return running
}

// Get returns the run for id.
func (e *Executor) Get(id string) (*JobRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	return run, ok
}

// Runs returns snapshots of every run in submission order.
func (e *Executor) Runs() []models.RunSummary {
	e.mu.Lock()
	runs := append([]*JobRun(nil), e.order...)
	e.mu.Unlock()

	out := make([]models.RunSummary, len(runs))
	for i, run := range runs {
		out[i] = run.Snapshot()
	}
	return out
}

// Stats returns current executor statistics.
func (e *Executor) Stats() (running, queued int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running, len(e.queue)
}

// Shutdown stops accepting assignments, cancels queued jobs and waits for
// running jobs until ctx is done. Jobs still running then are cancelled
// with the usual grace and kill.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, run := range queued {
		e.complete(run, models.JobStateCancelled, "runner shutting down", nil)
	}

	idle := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		e.cancel()
		return nil
	case <-ctx.Done():
	}

	running := e.runningJobs()
	e.logger.Warn("shutdown grace elapsed, cancelling running jobs", "count", len(running))
	for _, run := range running {
		e.cancelRunning(run)
	}

	// Kill is sent after CancelGrace. Allow a little longer for the
	// processes to be reaped before giving up on them.
	select {
	case <-idle:
	case <-time.After(e.config.CancelGrace + 5*time.Second):
		e.logger.Error("jobs did not exit after kill", "count", len(running))
	}
	e.cancel()
	return ctx.Err()
}

// outputWriter tees job output to the log file and the event stream.
type outputWriter struct {
	jobID  string
	file   *os.File
	events events.Publisher
	clock  func() time.Time

	mu sync.Mutex
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A failing log file must not fail the job; the chunk still goes out.
	_, _ = w.file.Write(p)
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.events.Publish(models.LifecycleEvent{
		Kind:  models.EventJobOutput,
		Time:  w.clock(),
		JobID: w.jobID,
		Chunk: chunk,
	})
	return len(p), nil
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hatchway/runner/internal/connectors"
	"github.com/hatchway/runner/internal/logger"
	"github.com/hatchway/runner/internal/models"
)

// fakeConnector interprets the spec as a behaviour name:
//
//	"ok"       print a line and exit 0
//	"fail"     exit 2
//	"block"    wait for release, or exit on Terminate
//	"stubborn" ignore Terminate, exit only on Kill
//	"panic"    panic inside Start
//	"refuse"   fail to start
type fakeConnector struct {
	mu      sync.Mutex
	started []string
	procs   map[string]*fakeProcess
	active  int32
	maxSeen int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{procs: make(map[string]*fakeProcess)}
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) Start(ctx context.Context, job connectors.Job) (connectors.Process, error) {
	var behaviour string
	if err := json.Unmarshal(job.Spec, &behaviour); err != nil {
		return nil, err
	}
	switch behaviour {
	case "panic":
		panic("connector exploded")
	case "refuse":
		return nil, errors.New("cannot start")
	}

	n := atomic.AddInt32(&f.active, 1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	p := &fakeProcess{
		behaviour: behaviour,
		exit:      make(chan int, 1),
		onExit:    func() { atomic.AddInt32(&f.active, -1) },
	}
	f.mu.Lock()
	f.started = append(f.started, job.ID)
	f.procs[job.ID] = p
	f.mu.Unlock()

	switch behaviour {
	case "ok":
		job.Output.Write([]byte("hello from " + job.ID + "\n"))
		p.exit <- 0
	case "fail":
		p.exit <- 2
	}
	return p, nil
}

func (f *fakeConnector) startOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// tryRelease lets a blocked job exit 0. A job reaches Running before the
// connector sees it, so this waits briefly for the process to appear.
func (f *fakeConnector) tryRelease(id string) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		p := f.procs[id]
		f.mu.Unlock()
		if p != nil {
			p.send(0)
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (f *fakeConnector) release(t *testing.T, id string) {
	t.Helper()
	if !f.tryRelease(id) {
		t.Fatalf("job %s was never started", id)
	}
}

type fakeProcess struct {
	behaviour string
	exit      chan int
	onExit    func()
	once      sync.Once
}

func (p *fakeProcess) send(code int) {
	select {
	case p.exit <- code:
	default:
	}
}

func (p *fakeProcess) Wait() (*connectors.ExecResult, error) {
	code := <-p.exit
	p.once.Do(p.onExit)
	return &connectors.ExecResult{Command: p.behaviour, ExitCode: code}, nil
}

func (p *fakeProcess) Terminate() error {
	if p.behaviour != "stubborn" {
		p.send(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.send(137)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (l *eventLog) Publish(ev models.LifecycleEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) forJob(id string) []models.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.EventKind
	for _, ev := range l.events {
		if ev.JobID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func newTestExecutor(t *testing.T, conn connectors.Connector, max int, grace time.Duration) (*Executor, *eventLog) {
	t.Helper()
	log := &eventLog{}
	e := New(Options{
		Workspace: t.TempDir(),
		Connector: conn,
		Config:    &Config{MaxConcurrent: max, CancelGrace: grace},
		Events:    log,
		Logger:    logger.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, log
}

func assignment(id, behaviour string) models.JobAssignment {
	spec, _ := json.Marshal(behaviour)
	return models.JobAssignment{ID: id, Spec: spec}
}

func waitForState(t *testing.T, run *JobRun, want models.JobState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if run.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s: timed out waiting for %s, state is %s", run.ID(), want, run.State())
}

func waitDone(t *testing.T, run *JobRun) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s did not finish, state %s", run.ID(), run.State())
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	conn := newFakeConnector()
	e, log := newTestExecutor(t, conn, 2, time.Second)

	first, err := e.Submit(assignment("j1", "block"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Submit(assignment("j1", "ok"))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("Resubmitting an identifier must return the same run")
	}

	waitForState(t, first, models.JobStateRunning)
	conn.release(t, "j1")
	waitDone(t, first)

	third, _ := e.Submit(assignment("j1", "ok"))
	if third != first {
		t.Error("A finished identifier must not be reused")
	}
	if n := len(conn.startOrder()); n != 1 {
		t.Errorf("Expected one start, got %d", n)
	}
	queued := 0
	for _, k := range log.forJob("j1") {
		if k == models.EventJobQueued {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("Expected one queued event, got %d", queued)
	}
}

func TestSubmitRejectsEmptyID(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 1, time.Second)
	if _, err := e.Submit(models.JobAssignment{Spec: []byte(`"ok"`)}); !errors.Is(err, ErrInvalidAssignment) {
		t.Errorf("Expected ErrInvalidAssignment, got %v", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 2, time.Second)

	a, _ := e.Submit(assignment("a", "block"))
	b, _ := e.Submit(assignment("b", "block"))
	c, _ := e.Submit(assignment("c", "block"))

	waitForState(t, a, models.JobStateRunning)
	waitForState(t, b, models.JobStateRunning)
	time.Sleep(20 * time.Millisecond)
	if c.State() != models.JobStateQueued {
		t.Fatalf("Third job should stay queued, got %s", c.State())
	}
	if running, queued := e.Stats(); running != 2 || queued != 1 {
		t.Errorf("Expected 2 running / 1 queued, got %d / %d", running, queued)
	}

	conn.release(t, "a")
	waitDone(t, a)
	waitForState(t, c, models.JobStateRunning)

	conn.release(t, "b")
	conn.release(t, "c")
	waitDone(t, b)
	waitDone(t, c)

	if peak := atomic.LoadInt32(&conn.maxSeen); peak > 2 {
		t.Errorf("Saw %d concurrent processes, limit is 2", peak)
	}
}

func TestQueuedJobsStartInFIFOOrder(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 1, time.Second)

	ids := []string{"first", "second", "third", "fourth"}
	runs := make([]*JobRun, len(ids))
	runs[0], _ = e.Submit(assignment(ids[0], "block"))
	for i := 1; i < len(ids); i++ {
		runs[i], _ = e.Submit(assignment(ids[i], "ok"))
	}

	waitForState(t, runs[0], models.JobStateRunning)
	conn.release(t, ids[0])
	for _, run := range runs {
		waitDone(t, run)
	}

	got := conn.startOrder()
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("Start order %v, want %v", got, ids)
		}
	}
}

func TestEventOrderPerJob(t *testing.T) {
	conn := newFakeConnector()
	e, log := newTestExecutor(t, conn, 2, time.Second)

	run, _ := e.Submit(assignment("j1", "ok"))
	waitDone(t, run)

	// The finished event is published right after Done closes.
	deadline := time.Now().Add(time.Second)
	for len(log.forJob("j1")) < 4 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	want := []models.EventKind{models.EventJobQueued, models.EventJobStarted, models.EventJobOutput, models.EventJobFinished}
	got := log.forJob("j1")
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	snap := run.Snapshot()
	if snap.State != models.JobStateSucceeded || snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if snap.StartedAt.IsZero() || snap.EndedAt.Before(snap.StartedAt) {
		t.Errorf("Unexpected timestamps %+v", snap)
	}
	data, err := os.ReadFile(snap.OutputRef)
	if err != nil || !strings.Contains(string(data), "hello from j1") {
		t.Errorf("Expected output captured in %s, got %q (%v)", snap.OutputRef, data, err)
	}
}

func TestFailedExitCode(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 1, time.Second)
	run, _ := e.Submit(assignment("j1", "fail"))
	waitDone(t, run)

	snap := run.Snapshot()
	if snap.State != models.JobStateFailed || snap.Reason != "exit status 2" {
		t.Errorf("Expected Failed(exit status 2), got %s(%s)", snap.State, snap.Reason)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	conn := newFakeConnector()
	e, log := newTestExecutor(t, conn, 1, time.Second)

	blocker, _ := e.Submit(assignment("blocker", "block"))
	queued, _ := e.Submit(assignment("queued", "ok"))
	waitForState(t, blocker, models.JobStateRunning)

	if err := e.Cancel("queued"); err != nil {
		t.Fatal(err)
	}
	if queued.State() != models.JobStateCancelled {
		t.Fatalf("Expected Cancelled, got %s", queued.State())
	}

	conn.release(t, "blocker")
	waitDone(t, blocker)
	time.Sleep(20 * time.Millisecond)

	for _, k := range log.forJob("queued") {
		if k == models.EventJobStarted {
			t.Error("A cancelled queued job must never start")
		}
	}
	for _, id := range conn.startOrder() {
		if id == "queued" {
			t.Error("Connector should never see the cancelled job")
		}
	}
}

func TestCancelRunningJob(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 1, time.Second)
	run, _ := e.Submit(assignment("j1", "block"))
	waitForState(t, run, models.JobStateRunning)

	// The process may not be attached yet; cancellation still applies.
	if err := e.Cancel("j1"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)
	if s := run.State(); s != models.JobStateCancelled {
		t.Errorf("Expected Cancelled, got %s", s)
	}
}

func TestCancelForcedAfterGrace(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 1, 50*time.Millisecond)
	run, _ := e.Submit(assignment("j1", "stubborn"))
	waitForState(t, run, models.JobStateRunning)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	e.Cancel("j1")
	waitDone(t, run)

	snap := run.Snapshot()
	if snap.State != models.JobStateFailed || snap.Reason != ReasonForced {
		t.Errorf("Expected Failed(%s), got %s(%s)", ReasonForced, snap.State, snap.Reason)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Kill came before the grace period: %v", elapsed)
	}
}

func TestKillSkipsGrace(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 2, time.Minute)
	stubborn, _ := e.Submit(assignment("j1", "stubborn"))
	blocked, _ := e.Submit(assignment("j2", "block"))
	waitForState(t, stubborn, models.JobStateRunning)
	waitForState(t, blocked, models.JobStateRunning)

	e.Kill()
	waitDone(t, stubborn)
	waitDone(t, blocked)

	for _, run := range []*JobRun{stubborn, blocked} {
		if s := run.Snapshot(); s.State != models.JobStateFailed || s.Reason != ReasonForced {
			t.Errorf("%s: expected Failed(%s), got %s(%s)", s.JobID, ReasonForced, s.State, s.Reason)
		}
	}
}

func TestCancelUnknownAndFinished(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 1, time.Second)
	if err := e.Cancel("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}

	run, _ := e.Submit(assignment("done", "ok"))
	waitDone(t, run)
	if err := e.Cancel("done"); err != nil {
		t.Errorf("Cancelling a finished job should be a no-op, got %v", err)
	}
	if run.State() != models.JobStateSucceeded {
		t.Errorf("Finished state must not change, got %s", run.State())
	}
}

func TestFailureIsolation(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 3, time.Second)

	healthy, _ := e.Submit(assignment("healthy", "block"))
	waitForState(t, healthy, models.JobStateRunning)

	boom, _ := e.Submit(assignment("boom", "panic"))
	refused, _ := e.Submit(assignment("refused", "refuse"))
	waitDone(t, boom)
	waitDone(t, refused)

	if s := boom.Snapshot(); s.State != models.JobStateFailed || !strings.Contains(s.Reason, "panic") {
		t.Errorf("Expected panic to fail the job, got %s(%s)", s.State, s.Reason)
	}
	if s := refused.Snapshot(); s.State != models.JobStateFailed || s.Reason != "cannot start" {
		t.Errorf("Expected start failure, got %s(%s)", s.State, s.Reason)
	}
	if healthy.State() != models.JobStateRunning {
		t.Errorf("Other jobs must keep running, got %s", healthy.State())
	}

	after, err := e.Submit(assignment("after", "ok"))
	if err != nil {
		t.Fatalf("Executor should still accept work: %v", err)
	}
	waitDone(t, after)
	if after.State() != models.JobStateSucceeded {
		t.Errorf("Expected new job to succeed, got %s", after.State())
	}

	conn.release(t, "healthy")
	waitDone(t, healthy)
}

func TestJobDirectories(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 2, time.Second)

	a := assignment("build/42", "ok")
	a.TargetDir = "apps/web"
	run, _ := e.Submit(a)
	waitDone(t, run)

	snap := run.Snapshot()
	want := filepath.Join(e.workspace, "apps", "web", SafeName("build/42"))
	if snap.Dir != want {
		t.Errorf("Expected dir %s, got %s", want, snap.Dir)
	}
	if info, err := os.Stat(snap.Dir); err != nil || !info.IsDir() {
		t.Errorf("Job dir should be retained after completion: %v", err)
	}

	escape := assignment("escape", "ok")
	escape.TargetDir = "../../etc"
	bad, _ := e.Submit(escape)
	waitDone(t, bad)
	if s := bad.Snapshot(); s.State != models.JobStateFailed || !strings.Contains(s.Reason, "escapes") {
		t.Errorf("Expected escape to fail the job, got %s(%s)", s.State, s.Reason)
	}
}

func TestJobDirectoriesNeverNest(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 2, time.Second)

	outer := assignment("a", "ok")
	outer.TargetDir = "apps"
	first, _ := e.Submit(outer)
	waitDone(t, first)

	inner := assignment("b", "ok")
	inner.TargetDir = "apps/a"
	second, _ := e.Submit(inner)
	waitDone(t, second)
	if s := second.Snapshot(); s.State != models.JobStateFailed || !strings.Contains(s.Reason, "inside another job") {
		t.Errorf("Expected nested job dir to fail, got %s(%s)", s.State, s.Reason)
	}

	reserved := assignment("c", "ok")
	reserved.TargetDir = DefaultJobsDir + "/a"
	third, _ := e.Submit(reserved)
	waitDone(t, third)
	if s := third.Snapshot(); s.State != models.JobStateFailed || !strings.Contains(s.Reason, "reserved") {
		t.Errorf("Expected target under the jobs root to fail, got %s(%s)", s.State, s.Reason)
	}
}

func TestReusedIDGetsFreshDirectory(t *testing.T) {
	ws := t.TempDir()
	newExec := func() *Executor {
		e := New(Options{
			Workspace: ws,
			Connector: newFakeConnector(),
			Config:    &Config{MaxConcurrent: 1, CancelGrace: time.Second},
			Logger:    logger.Discard(),
		})
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			e.Shutdown(ctx)
		})
		return e
	}

	run1, _ := newExec().Submit(assignment("build-1", "ok"))
	waitDone(t, run1)
	run2, _ := newExec().Submit(assignment("build-1", "ok"))
	waitDone(t, run2)

	s1, s2 := run1.Snapshot(), run2.Snapshot()
	if s1.State != models.JobStateSucceeded || s2.State != models.JobStateSucceeded {
		t.Fatalf("Expected both runs to succeed, got %s(%s) and %s(%s)", s1.State, s1.Reason, s2.State, s2.Reason)
	}
	if s1.Dir == s2.Dir {
		t.Errorf("Expected distinct dirs, both runs used %s", s1.Dir)
	}
	if s2.Dir != s1.Dir+"-2" {
		t.Errorf("Expected %s-2, got %s", s1.Dir, s2.Dir)
	}
	if s1.OutputRef == s2.OutputRef {
		t.Errorf("Expected distinct output logs, both runs used %s", s1.OutputRef)
	}
	if _, err := os.Stat(s1.Dir); err != nil {
		t.Errorf("First run's dir should be retained: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 1, 30*time.Millisecond)

	stubborn, _ := e.Submit(assignment("stubborn", "stubborn"))
	queued, _ := e.Submit(assignment("queued", "ok"))
	waitForState(t, stubborn, models.JobStateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error when jobs outlive the grace, got %v", err)
	}

	if queued.State() != models.JobStateCancelled {
		t.Errorf("Queued job should be cancelled on shutdown, got %s", queued.State())
	}
	if s := stubborn.Snapshot(); s.State != models.JobStateFailed || s.Reason != ReasonForced {
		t.Errorf("Expected forced failure, got %s(%s)", s.State, s.Reason)
	}
	if _, err := e.Submit(assignment("late", "ok")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownWaitsForRunningJobs(t *testing.T) {
	conn := newFakeConnector()
	e, _ := newTestExecutor(t, conn, 1, time.Second)

	run, _ := e.Submit(assignment("j1", "block"))
	waitForState(t, run, models.JobStateRunning)

	go func() {
		time.Sleep(30 * time.Millisecond)
		conn.tryRelease("j1")
	}()

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if run.State() != models.JobStateSucceeded {
		t.Errorf("Running job should finish normally, got %s", run.State())
	}
}

func TestRunsSnapshotOrder(t *testing.T) {
	e, _ := newTestExecutor(t, newFakeConnector(), 2, time.Second)
	for _, id := range []string{"x", "y", "z"} {
		run, _ := e.Submit(assignment(id, "ok"))
		waitDone(t, run)
	}
	runs := e.Runs()
	if len(runs) != 3 || runs[0].JobID != "x" || runs[2].JobID != "z" {
		t.Errorf("Unexpected runs %+v", runs)
	}
	if got, ok := e.Get("y"); !ok || got.ID() != "y" {
		t.Error("Get should find y")
	}
}

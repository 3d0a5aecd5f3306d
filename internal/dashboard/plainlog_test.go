package dashboard

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hatchway/runner/internal/models"
)

// gatedWriter blocks every write until release is closed.
type gatedWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func waitForOutput(t *testing.T, w *gatedWriter, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(w.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %q, got:\n%s", want, w.String())
}

func TestPlainLogFormatsInOrder(t *testing.T) {
	var buf bytes.Buffer
	l := NewPlainLog(PlainOptions{Output: &buf})

	l.Deliver(models.LifecycleEvent{
		Kind:       models.EventConnectionStateChanged,
		Time:       t0,
		Connection: models.ConnectionState{Phase: models.PhaseConnected},
	})
	l.Deliver(jobEvent(models.EventJobQueued, "job-1", 0))
	l.Deliver(jobEvent(models.EventJobStarted, "job-1", time.Second))
	out := jobEvent(models.EventJobOutput, "job-1", time.Second)
	out.Chunk = []byte("line one\r\nline two\n")
	l.Deliver(out)
	fin := jobEvent(models.EventJobFinished, "job-1", 2*time.Second)
	fin.State = models.JobStateFailed
	fin.Reason = "exit status 2"
	l.Deliver(fin)
	l.Close()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{"connected", "queued", "started", "line one", "line two", "exit status 2"}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d:\n%s", len(want), len(lines), buf.String())
	}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Errorf("Line %d: expected %q in %q", i, w, lines[i])
		}
	}
	if !strings.Contains(lines[1], "12:00:00") {
		t.Errorf("Expected timestamp in %q", lines[1])
	}
}

func TestPlainLogReportsSkippedInline(t *testing.T) {
	w := newGatedWriter()
	l := NewPlainLog(PlainOptions{Output: w, Buffer: 2})

	l.Deliver(jobEvent(models.EventJobQueued, "job-1", 0))
	<-w.entered
	// The writer holds job-1, so two more fill the buffer and the rest are skipped.
	l.Deliver(jobEvent(models.EventJobQueued, "job-2", 0))
	l.Deliver(jobEvent(models.EventJobQueued, "job-3", 0))
	l.Deliver(jobEvent(models.EventJobQueued, "job-4", 0))
	l.Deliver(jobEvent(models.EventJobQueued, "job-5", 0))

	if got := l.Skipped(); got != 2 {
		t.Errorf("Expected 2 skipped, got %d", got)
	}

	close(w.release)
	waitForOutput(t, w, "job-3")
	l.Deliver(jobEvent(models.EventJobQueued, "job-6", 0))
	l.Close()

	lines := strings.Split(strings.TrimRight(w.String(), "\n"), "\n")
	want := []string{"job-1", "job-2", "job-3", "2 events skipped", "job-6"}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d:\n%s", len(want), len(lines), w.String())
	}
	for i, s := range want {
		if !strings.Contains(lines[i], s) {
			t.Errorf("Line %d: expected %q in %q", i, s, lines[i])
		}
	}
}

func TestPlainLogCloseReportsPendingSkips(t *testing.T) {
	w := newGatedWriter()
	l := NewPlainLog(PlainOptions{Output: w, Buffer: 1})

	l.Deliver(jobEvent(models.EventJobQueued, "job-1", 0))
	<-w.entered
	l.Deliver(jobEvent(models.EventJobQueued, "job-2", 0))
	l.Deliver(jobEvent(models.EventJobQueued, "job-3", 0))

	close(w.release)
	l.Close()
	l.Deliver(jobEvent(models.EventJobQueued, "job-4", 0))

	got := w.String()
	if !strings.HasSuffix(got, "... 1 events skipped\n") {
		t.Errorf("Expected trailing skip count, got:\n%s", got)
	}
	if strings.Contains(got, "job-4") {
		t.Error("Events after Close should be ignored")
	}
}

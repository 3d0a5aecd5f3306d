package dashboard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hatchway/runner/internal/models"
)

func TestModelView(t *testing.T) {
	st := NewState(0)
	st.Apply(models.LifecycleEvent{
		Kind:       models.EventConnectionStateChanged,
		Connection: models.ConnectionState{Phase: models.PhaseConnected},
	})
	st.Apply(jobEvent(models.EventJobQueued, "job-1", 0))
	st.Apply(jobEvent(models.EventJobStarted, "job-1", time.Second))
	st.Apply(jobEvent(models.EventJobQueued, "job-2", time.Second))

	m := newModel(TUIOptions{RunnerID: "ada", Clock: func() time.Time { return t0.Add(11 * time.Second) }}, Snapshot{})
	updated, _ := m.Update(snapshotMsg(st.Snapshot()))
	view := updated.View()

	for _, want := range []string{"Hatchway Runner", "connected", "ada", "job-1", "RUNNING", "10s", "job-2", "QUEUED", "Running: 1 | Queued: 1"} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestModelViewEmptyAndReconnecting(t *testing.T) {
	m := newModel(TUIOptions{}, Snapshot{
		Connection: models.ConnectionState{Phase: models.PhaseReconnecting, Attempt: 2, Delay: 2 * time.Second},
	})
	view := m.View()
	if !strings.Contains(view, "No jobs yet") {
		t.Errorf("Expected empty job message, got:\n%s", view)
	}
	if !strings.Contains(view, "reconnecting (attempt 2") {
		t.Errorf("Expected reconnect details, got:\n%s", view)
	}
}

func TestModelQuitKeys(t *testing.T) {
	calls, forced := 0, 0
	m := newModel(TUIOptions{Quit: func() { calls++ }, Force: func() { forced++ }}, Snapshot{})

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if calls != 1 {
		t.Fatalf("Expected quit callback once, got %d", calls)
	}
	if cmd != nil {
		t.Error("First quit request should wait for shutdown, not exit")
	}
	if !strings.Contains(next.View(), "Shutting down") {
		t.Error("Expected shutting down status")
	}

	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if calls != 1 {
		t.Errorf("Quit callback should only run once, got %d", calls)
	}
	if forced != 0 {
		t.Error("A repeated q should not force the shutdown")
	}

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("Expected ctrl+c while stopping to quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}
	if forced != 1 {
		t.Errorf("Expected force callback once, got %d", forced)
	}
}

func TestModelFirstCtrlCDoesNotForce(t *testing.T) {
	forced := 0
	m := newModel(TUIOptions{Force: func() { forced++ }}, Snapshot{})
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd != nil {
		t.Error("First ctrl+c should wait for shutdown, not exit")
	}
	if forced != 0 {
		t.Errorf("First ctrl+c should not force, got %d calls", forced)
	}
}

func TestDeliverCoalesces(t *testing.T) {
	tui := NewTUI(TUIOptions{})
	for i := 0; i < 100; i++ {
		tui.Deliver(jobEvent(models.EventJobOutput, "job-1", 0))
	}
	if n := len(tui.dirty); n != 1 {
		t.Errorf("Expected a single pending frame, got %d", n)
	}
	if got := tui.Snapshot().Jobs; len(got) != 1 {
		t.Errorf("Expected state to be updated, got %d jobs", len(got))
	}
}

func TestPumpLimitsFrameRate(t *testing.T) {
	tui := NewTUI(TUIOptions{FrameInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	var frames []Snapshot
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tui.pump(ctx, func(msg tea.Msg) {
			mu.Lock()
			frames = append(frames, Snapshot(msg.(snapshotMsg)))
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		tui.Deliver(jobEvent(models.EventJobOutput, "job-1", 0))
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 {
		t.Fatal("Expected at least one frame")
	}
	if len(frames) > 10 {
		t.Errorf("Expected frames to be coalesced, got %d", len(frames))
	}
	if last := frames[len(frames)-1]; last.Jobs[0].ID != "job-1" {
		t.Errorf("Unexpected last frame %+v", last)
	}
}

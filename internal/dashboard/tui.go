package dashboard

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hatchway/runner/internal/models"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(fgColor).
			Background(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Background(lipgloss.Color("#374151")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
)

// DefaultFrameInterval caps how often a new snapshot is pushed to the TUI.
const DefaultFrameInterval = 100 * time.Millisecond

// TUIOptions configures a TUI.
type TUIOptions struct {
	RunnerID  string
	Workspace string
	// Quit is called once when the operator asks to stop.
	Quit func()
	// Force is called when the operator presses ctrl+c again while
	// stopping. It should end running jobs without the shutdown grace.
	Force         func()
	FrameInterval time.Duration
	MaxRows       int
	Clock         func() time.Time
	Input         io.Reader
	Output        io.Writer
}

// TUI is a full-screen dashboard. Deliver only records the event and marks
// the view dirty; frames are produced at most once per FrameInterval.
type TUI struct {
	opts  TUIOptions
	state *State
	dirty chan struct{}
}

// NewTUI creates a TUI. Call Run to display it.
func NewTUI(opts TUIOptions) *TUI {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &TUI{
		opts:  opts,
		state: NewState(opts.MaxRows),
		dirty: make(chan struct{}, 1),
	}
}

// Deliver implements events.Sink.
func (t *TUI) Deliver(ev models.LifecycleEvent) {
	t.state.Apply(ev)
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// Snapshot returns the state currently backing the view.
func (t *TUI) Snapshot() Snapshot {
	return t.state.Snapshot()
}

// Run shows the dashboard until ctx is done or the program exits.
func (t *TUI) Run(ctx context.Context) error {
	progOpts := []tea.ProgramOption{tea.WithAltScreen()}
	if t.opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(t.opts.Input))
	}
	if t.opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(t.opts.Output))
	}
	p := tea.NewProgram(newModel(t.opts, t.state.Snapshot()), progOpts...)

	pumpCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.pump(pumpCtx, p.Send)
	}()
	go func() {
		defer wg.Done()
		<-pumpCtx.Done()
		p.Quit()
	}()

	_, err := p.Run()
	cancel()
	wg.Wait()
	return err
}

// pump forwards coalesced snapshots to send, one per frame at most.
func (t *TUI) pump(ctx context.Context, send func(tea.Msg)) {
	ticker := time.NewTicker(t.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.dirty:
		}
		send(snapshotMsg(t.state.Snapshot()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type snapshotMsg Snapshot

type clockMsg time.Time

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return clockMsg(t)
	})
}

type model struct {
	runnerID  string
	workspace string
	snap      Snapshot
	spinner   spinner.Model
	now       func() time.Time
	quit      func()
	force     func()
	stopping  bool
	width     int
	height    int
}

func newModel(opts TUIOptions, snap Snapshot) model {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return model{
		runnerID:  opts.RunnerID,
		workspace: opts.Workspace,
		snap:      snap,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(warningColor)),
		),
		now:   clock,
		quit:  opts.Quit,
		force: opts.Force,
		width: 80,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, clockTick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case snapshotMsg:
		m.snap = Snapshot(msg)
	case clockMsg:
		return m, clockTick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stopping {
				// A second request skips the graceful wait.
				if msg.String() == "ctrl+c" {
					if m.force != nil {
						m.force()
					}
					return m, tea.Quit
				}
				return m, nil
			}
			m.stopping = true
			if m.quit != nil {
				m.quit()
			}
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	now := m.now()

	header := titleStyle.Render("Hatchway Runner")
	header += "  " + m.renderConnection()
	if m.runnerID != "" {
		header += "  " + mutedStyle.Render(m.runnerID)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", m.width) + "\n")

	if m.snap.AuthFailure != "" {
		b.WriteString(errorStyle.Render("  Authentication failed: "+m.snap.AuthFailure) + "\n")
	}
	if m.workspace != "" {
		b.WriteString(mutedStyle.Render("  Workspace: "+m.workspace) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(m.renderJobs(now))
	b.WriteString("\n")

	status := fmt.Sprintf(" Running: %d | Queued: %d | Finished: %d | q:quit",
		m.snap.Running, m.snap.Queued, m.snap.Finished)
	if m.stopping {
		status = " Shutting down, waiting for running jobs... | ctrl+c:force quit"
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(status))
	return b.String()
}

func (m model) renderConnection() string {
	c := m.snap.Connection
	switch c.Phase {
	case models.PhaseConnected:
		return lipgloss.NewStyle().Foreground(successColor).Render("● connected")
	case models.PhaseClosed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ closed")
	case models.PhaseDisconnected:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ disconnected")
	case models.PhaseReconnecting:
		return m.spinner.View() + " " + lipgloss.NewStyle().Foreground(warningColor).Render(c.String())
	default:
		return m.spinner.View() + " " + lipgloss.NewStyle().Foreground(secondaryColor).Render(string(c.Phase))
	}
}

func (m model) renderJobs(now time.Time) string {
	if len(m.snap.Jobs) == 0 {
		return "  " + mutedStyle.Render("No jobs yet. Waiting for assignments...") + "\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		headerStyle.Render(fmt.Sprintf("%-24s", "JOB")),
		headerStyle.Render(fmt.Sprintf("%-12s", "STATE")),
		headerStyle.Render(fmt.Sprintf("%-9s", "ELAPSED")),
		headerStyle.Render("OUTPUT"),
	))

	rows := m.snap.Jobs
	if limit := m.height - 9; m.height > 0 && limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	for _, r := range rows {
		id := r.ID
		if len(id) > 24 {
			id = id[:21] + "..."
		}
		line := fmt.Sprintf("  %-24s  %s  %-9s  %s",
			id,
			formatState(r.State),
			formatDuration(r.Elapsed(now)),
			formatBytes(r.OutputBytes),
		)
		if r.Reason != "" {
			line += "  " + mutedStyle.Render(r.Reason)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatState(s models.JobState) string {
	var label string
	var color lipgloss.Color
	switch s {
	case models.JobStateQueued:
		label, color = "○ QUEUED", warningColor
	case models.JobStateRunning:
		label, color = "◑ RUNNING", primaryColor
	case models.JobStateSucceeded:
		label, color = "● DONE", successColor
	case models.JobStateFailed:
		label, color = "✗ FAILED", errorColor
	case models.JobStateCancelled:
		label, color = "⊘ CANCELLED", mutedColor
	default:
		label, color = string(s), fgColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%-12s", label))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

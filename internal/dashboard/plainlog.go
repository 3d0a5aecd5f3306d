package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hatchway/runner/internal/models"
)

// DefaultPlainBuffer is the number of events the plain log holds before it
// starts skipping.
const DefaultPlainBuffer = 256

// PlainOptions configures a PlainLog.
type PlainOptions struct {
	Output io.Writer
	Buffer int
}

type plainEntry struct {
	ev      models.LifecycleEvent
	skipped int
}

// PlainLog writes one line per event, in delivery order. When the writer
// falls behind, events are skipped and the count is written in their place.
type PlainLog struct {
	out     io.Writer
	mu      sync.Mutex
	ch      chan plainEntry
	skipped int
	total   int
	closed  bool
	done    chan struct{}
}

// NewPlainLog creates a PlainLog and starts its writer.
func NewPlainLog(opts PlainOptions) *PlainLog {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultPlainBuffer
	}
	l := &PlainLog{
		out:  opts.Output,
		ch:   make(chan plainEntry, opts.Buffer),
		done: make(chan struct{}),
	}
	if l.out == nil {
		l.out = io.Discard
	}
	go l.write()
	return l
}

// Deliver implements events.Sink.
func (l *PlainLog) Deliver(ev models.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.skipped > 0 {
		select {
		case l.ch <- plainEntry{skipped: l.skipped}:
			l.skipped = 0
		default:
			l.skipped++
			l.total++
			return
		}
	}
	select {
	case l.ch <- plainEntry{ev: ev}:
	default:
		l.skipped++
		l.total++
	}
}

// Skipped returns how many events have been skipped so far.
func (l *PlainLog) Skipped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Run blocks until ctx is done. Lines are written as events arrive whether
// or not Run is active; it exists so a PlainLog can stand in for the TUI.
func (l *PlainLog) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Close flushes queued lines and stops the writer.
func (l *PlainLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	if l.skipped > 0 {
		// The writer is still draining, so this blocks at most until a slot frees.
		l.ch <- plainEntry{skipped: l.skipped}
		l.skipped = 0
	}
	close(l.ch)
	l.mu.Unlock()
	<-l.done
}

func (l *PlainLog) write() {
	defer close(l.done)
	for entry := range l.ch {
		if entry.skipped > 0 {
			fmt.Fprintf(l.out, "... %d events skipped\n", entry.skipped)
			continue
		}
		io.WriteString(l.out, FormatEvent(entry.ev))
	}
}

var (
	plainTime    = lipgloss.NewStyle().Foreground(mutedColor)
	plainJob     = lipgloss.NewStyle().Foreground(cyanColor)
	plainWarning = lipgloss.NewStyle().Foreground(warningColor)
	plainOK      = lipgloss.NewStyle().Foreground(successColor)
	plainError   = lipgloss.NewStyle().Foreground(errorColor)
)

// FormatEvent renders ev as one or more newline-terminated log lines.
func FormatEvent(ev models.LifecycleEvent) string {
	ts := plainTime.Render(ev.Time.Format(time.TimeOnly))
	switch ev.Kind {
	case models.EventConnectionStateChanged:
		style := plainWarning
		switch ev.Connection.Phase {
		case models.PhaseConnected:
			style = plainOK
		case models.PhaseClosed:
			style = plainError
		}
		return fmt.Sprintf("%s connection %s\n", ts, style.Render(ev.Connection.String()))
	case models.EventAuthFailure:
		return fmt.Sprintf("%s %s %s\n", ts, plainError.Render("auth failure:"), ev.Reason)
	case models.EventJobQueued:
		return fmt.Sprintf("%s job %s queued\n", ts, plainJob.Render(ev.JobID))
	case models.EventJobStarted:
		return fmt.Sprintf("%s job %s started\n", ts, plainJob.Render(ev.JobID))
	case models.EventJobOutput:
		var b bytes.Buffer
		prefix := fmt.Sprintf("%s %s | ", ts, plainJob.Render(ev.JobID))
		for _, line := range bytes.Split(bytes.TrimRight(ev.Chunk, "\n"), []byte("\n")) {
			b.WriteString(prefix)
			b.Write(bytes.TrimRight(line, "\r"))
			b.WriteByte('\n')
		}
		return b.String()
	case models.EventJobFinished:
		style := plainOK
		if ev.State != models.JobStateSucceeded {
			style = plainError
		}
		line := fmt.Sprintf("%s job %s %s", ts, plainJob.Render(ev.JobID), style.Render(string(ev.State)))
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
		return line + "\n"
	default:
		return fmt.Sprintf("%s %s\n", ts, ev.Kind)
	}
}

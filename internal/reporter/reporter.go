// Package reporter forwards job lifecycle events to the broker, buffering
// them while the connection is down.
package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hatchway/runner/internal/broker"
	"github.com/hatchway/runner/internal/models"
)

// DefaultBuffer is the queue bound used when Options.Buffer is unset.
const DefaultBuffer = 1000

// Sender delivers one frame to the broker.
type Sender interface {
	Send(m broker.Message) error
}

// Options configures a Reporter.
type Options struct {
	Buffer int
	Logger *slog.Logger
}

// Reporter is an events.Sink. Deliver only enqueues; a worker goroutine
// drains the queue in order while the connection is up.
type Reporter struct {
	limit  int
	logger *slog.Logger

	mu        sync.Mutex
	queue     []queued
	sender    Sender
	connected bool
	// epoch counts Connected transitions so a failure from an older
	// session cannot mark a newer one as down.
	epoch    uint64
	inflight bool
	closed   bool
	seq      uint64
	dropped  int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

type queued struct {
	seq uint64
	ev  models.LifecycleEvent
}

// New creates a Reporter and starts its worker.
func New(opts Options) *Reporter {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reporter{
		limit:  opts.Buffer,
		logger: opts.Logger.With("component", "reporter"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// SetSender binds the reporter to a broker connection. Events queued so far
// are sent once the connection reports Connected.
func (r *Reporter) SetSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.connected = false
	r.mu.Unlock()
	r.signal()
}

// Deliver implements events.Sink.
func (r *Reporter) Deliver(ev models.LifecycleEvent) {
	switch ev.Kind {
	case models.EventConnectionStateChanged:
		r.mu.Lock()
		r.connected = ev.Connection.Phase == models.PhaseConnected
		if r.connected {
			r.epoch++
		}
		connected := r.connected
		r.mu.Unlock()
		if connected {
			r.signal()
		}
		return
	case models.EventAuthFailure:
		return
	}
	if !ev.IsJobEvent() {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.seq++
	r.queue = append(r.queue, queued{seq: r.seq, ev: ev})
	r.trimLocked()
	r.mu.Unlock()
	r.signal()
}

// Pending returns the number of buffered events.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.queue)
	if r.inflight {
		n++
	}
	return n
}

// Dropped returns how many events were discarded on overflow.
func (r *Reporter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush waits until the buffer is empty or ctx is done.
func (r *Reporter) Flush(ctx context.Context) error {
	r.signal()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n := r.Pending(); n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d events not delivered: %w", r.Pending(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops the worker. Buffered events are discarded.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	pending := len(r.queue)
	r.mu.Unlock()

	close(r.stop)
	<-r.done
	if pending > 0 {
		r.logger.Warn("reporter closed with undelivered events", "count", pending)
	}
}

func (r *Reporter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}
		r.drain()
	}
}

// drain sends queued events in order until the queue is empty or a send
// fails.
func (r *Reporter) drain() {
	for {
		r.mu.Lock()
		if r.closed || !r.connected || r.sender == nil || len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		r.inflight = true
		sender := r.sender
		epoch := r.epoch
		r.mu.Unlock()

		msg, err := toMessage(item)
		if err == nil {
			err = sender.Send(msg)
		}

		r.mu.Lock()
		r.inflight = false
		if err == nil {
			r.mu.Unlock()
			continue
		}

		var perr *broker.ProtocolError
		if errors.As(err, &perr) {
			r.mu.Unlock()
			r.logger.Error("dropping unencodable event", "job_id", item.ev.JobID, "kind", item.ev.Kind, "error", err)
			continue
		}

		// Not connected or the socket failed mid-write: keep the event at
		// the head and wait for the next Connected transition.
		r.queue = append([]queued{item}, r.queue...)
		r.trimLocked()
		reconnected := r.epoch != epoch
		if !reconnected {
			r.connected = false
		}
		r.mu.Unlock()
		r.logger.Debug("send failed, buffering", "pending", r.Pending(), "error", err)
		if reconnected {
			continue
		}
		return
	}
}

// trimLocked enforces the queue bound. Output chunks go first, then other
// non-terminal events; a terminal event is only dropped when nothing else is
// left. r.mu must be held.
func (r *Reporter) trimLocked() {
	for len(r.queue) > r.limit {
		idx := r.indexLocked(func(ev models.LifecycleEvent) bool {
			return ev.Kind == models.EventJobOutput
		})
		if idx < 0 {
			idx = r.indexLocked(func(ev models.LifecycleEvent) bool {
				return ev.Kind != models.EventJobFinished
			})
		}
		terminal := idx < 0
		if terminal {
			idx = 0
		}

		victim := r.queue[idx].ev
		r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
		r.dropped++
		if terminal {
			r.logger.Error("status buffer full, dropping terminal event",
				"job_id", victim.JobID, "state", victim.State, "limit", r.limit)
		} else {
			r.logger.Warn("status buffer full, dropping event",
				"job_id", victim.JobID, "kind", victim.Kind, "limit", r.limit)
		}
	}
}

func (r *Reporter) indexLocked(match func(models.LifecycleEvent) bool) int {
	for i, q := range r.queue {
		if match(q.ev) {
			return i
		}
	}
	return -1
}

// OutputEncoding tags job_output payloads. Chunks are raw pipe reads that
// may split multi-byte characters or carry binary data, so the bytes are
// sent base64-encoded rather than as a JSON string.
const OutputEncoding = "base64"

type statusPayload struct {
	Seq            uint64          `json:"seq"`
	State          models.JobState `json:"state,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Output         []byte          `json:"output,omitempty"`
	OutputEncoding string          `json:"output_encoding,omitempty"`
	At             time.Time       `json:"at"`
}

func toMessage(item queued) (broker.Message, error) {
	p := statusPayload{
		Seq:    item.seq,
		State:  item.ev.State,
		Reason: item.ev.Reason,
		At:     item.ev.Time.UTC(),
	}
	if item.ev.Kind == models.EventJobOutput {
		p.Output = item.ev.Chunk
		p.OutputEncoding = OutputEncoding
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return broker.Message{}, &broker.ProtocolError{Type: broker.TypeStatusEvent, Err: err}
	}
	return broker.StatusEvent(item.ev.JobID, string(item.ev.Kind), payload), nil
}

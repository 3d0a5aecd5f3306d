// Package broker owns the persistent connection to the job broker: dialing,
// the handshake, heartbeats and the reconnect state machine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hatchway/runner/internal/events"
	"github.com/hatchway/runner/internal/models"
)

// Options configures a Conn.
type Options struct {
	URL      string
	RunnerID string
	// Token is sent in the handshake. Empty in local mode.
	Token    string
	Version  string
	Capacity int

	Dialer  Dialer
	Backoff Backoff

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	Events events.Publisher
	Logger *slog.Logger
	// Rand returns values in [0, 1) for backoff jitter.
	Rand  func() float64
	Clock func() time.Time
	// InboundBuffer sizes the Messages channel.
	InboundBuffer int
}

// Conn is a broker connection. Its state is owned by a single loop
// goroutine; readers observe it through State and lifecycle events.
type Conn struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	state     models.ConnectionState
	transport Transport
	started   bool
	closed    bool
	err       error

	// writeMu serializes frames on the current transport.
	writeMu sync.Mutex

	messages chan Message
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Conn in the Disconnected state.
func New(opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	return &Conn{
		opts:     opts,
		logger:   opts.Logger.With("component", "broker"),
		state:    models.ConnectionState{Phase: models.PhaseDisconnected},
		messages: make(chan Message, opts.InboundBuffer),
		done:     make(chan struct{}),
	}
}

// Connect starts the connection loop and returns immediately. The loop runs
// until Disconnect, ctx cancellation or a handshake rejection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(loopCtx)
	return nil
}

// Disconnect requests shutdown and waits for the loop to reach Closed.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if !c.started {
		if !c.closed {
			c.closed = true
			c.state = models.ConnectionState{Phase: models.PhaseClosed}
			close(c.messages)
			close(c.done)
		}
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	t := c.transport
	c.mu.Unlock()

	cancel()
	if t != nil {
		t.Close()
	}
	<-c.done
}

// Send writes m on the current session. Frames sent on one session reach
// the broker in send order.
func (c *Conn) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.mu.RLock()
	closed := c.closed
	phase := c.state.Phase
	t := c.transport
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if phase != models.PhaseConnected || t == nil {
		return ErrNotConnected
	}
	return c.write(t, data)
}

func (c *Conn) write(t Transport, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := t.WriteMessage(data); err != nil {
		// Force the reader to fail so the loop reconnects.
		t.Close()
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Messages returns the inbound stream. The same channel is used across
// reconnects and is closed when the connection reaches Closed.
func (c *Conn) Messages() <-chan Message {
	return c.messages
}

// State returns the current connection state.
func (c *Conn) State() models.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: a *HandshakeRejectedError after a
// rejection, nil after a requested shutdown.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conn) setState(s models.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.opts.Events.Publish(models.LifecycleEvent{
		Kind:       models.EventConnectionStateChanged,
		Connection: s,
	})
}

type sessionOutcome int

const (
	outcomeDropped sessionOutcome = iota
	outcomeRejected
	outcomeShutdown
)

func (c *Conn) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.transport = nil
		c.mu.Unlock()
		c.setState(models.ConnectionState{Phase: models.PhaseClosed})
		close(c.messages)
		close(c.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(models.ConnectionState{Phase: models.PhaseConnecting, Attempt: attempt})

		outcome, connected, err := c.session(ctx)
		switch outcome {
		case outcomeShutdown:
			return
		case outcomeRejected:
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Error("broker rejected handshake", "error", err)
			c.opts.Events.Publish(models.LifecycleEvent{
				Kind:   models.EventAuthFailure,
				Reason: rejectReason(err),
			})
			return
		}

		if connected {
			attempt = 0
		}
		attempt++
		delay := c.opts.Backoff.Delay(attempt, c.opts.Rand())
		c.logger.Warn("broker connection lost, reconnecting",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		c.setState(models.ConnectionState{Phase: models.PhaseReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type frame struct {
	msg Message
	err error
}

// session runs one transport from dial to drop. connected reports whether
// the handshake was acknowledged.
func (c *Conn) session(ctx context.Context) (outcome sessionOutcome, connected bool, err error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	t, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL, nil)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return outcomeShutdown, false, nil
		}
		return outcomeDropped, false, &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	frames := make(chan frame, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		c.readLoop(t, frames, readErr, stop)
	}()
	defer func() {
		close(stop)
		t.Close()
		readers.Wait()
		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()
	}()

	c.setState(models.ConnectionState{Phase: models.PhaseAuthenticating})
	hello := Handshake(c.opts.RunnerID, c.opts.Token, uuid.NewString(), c.opts.Version, c.opts.Capacity)
	data, err := Encode(hello)
	if err != nil {
		return outcomeDropped, false, err
	}
	if err := c.write(t, data); err != nil {
		return c.dropOrShutdown(ctx, false, err)
	}

	handshakeTimer := time.NewTimer(c.opts.HandshakeTimeout)
	defer handshakeTimer.Stop()

	for !connected {
		select {
		case <-ctx.Done():
			return outcomeShutdown, false, nil
		case <-handshakeTimer.C:
			return outcomeDropped, false, errors.New("handshake timed out")
		case err := <-readErr:
			return c.dropOrShutdown(ctx, false, &TransportError{Op: "read", Err: err})
		case f := <-frames:
			if f.err != nil {
				c.logger.Warn("ignoring malformed frame", "error", f.err)
				continue
			}
			switch f.msg.Type {
			case TypeHandshakeAck:
				connected = true
			case TypeHandshakeReject:
				return outcomeRejected, false, &HandshakeRejectedError{Reason: f.msg.Reason}
			default:
				c.logger.Debug("ignoring frame before handshake ack", "type", f.msg.Type)
			}
		}
	}

	c.setState(models.ConnectionState{Phase: models.PhaseConnected})
	c.logger.Info("connected to broker", "url", c.opts.URL)

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := time.NewTimer(c.opts.HeartbeatTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcomeShutdown, true, nil
		case <-watchdog.C:
			return outcomeDropped, true, fmt.Errorf("no frames from broker for %v", c.opts.HeartbeatTimeout)
		case <-heartbeat.C:
			data, _ := Encode(Heartbeat(c.opts.Clock().UTC()))
			if err := c.write(t, data); err != nil {
				return c.dropOrShutdown(ctx, true, err)
			}
		case err := <-readErr:
			return c.dropOrShutdown(ctx, true, &TransportError{Op: "read", Err: err})
		case f := <-frames:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(c.opts.HeartbeatTimeout)

			if f.err != nil {
				c.logger.Warn("ignoring malformed frame", "error", f.err)
				continue
			}
			switch f.msg.Type {
			case TypeHeartbeatAck, TypeHandshakeAck:
			case TypeHandshakeReject:
				return outcomeRejected, true, &HandshakeRejectedError{Reason: f.msg.Reason}
			default:
				select {
				case c.messages <- f.msg:
				case <-ctx.Done():
					return outcomeShutdown, true, nil
				}
			}
		}
	}
}

func (c *Conn) dropOrShutdown(ctx context.Context, connected bool, err error) (sessionOutcome, bool, error) {
	if ctx.Err() != nil {
		return outcomeShutdown, connected, nil
	}
	return outcomeDropped, connected, err
}

func (c *Conn) readLoop(t Transport, frames chan<- frame, readErr chan<- error, stop <-chan struct{}) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		msg, err := Decode(data)
		select {
		case frames <- frame{msg: msg, err: err}:
		case <-stop:
			return
		}
	}
}

func rejectReason(err error) string {
	var rejected *HandshakeRejectedError
	if errors.As(err, &rejected) && rejected.Reason != "" {
		return rejected.Reason
	}
	return "handshake rejected"
}

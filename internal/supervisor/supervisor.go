// Package supervisor wires the runner components together and owns the
// startup and shutdown order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatchway/runner/internal/audit"
	"github.com/hatchway/runner/internal/auth"
	"github.com/hatchway/runner/internal/broker"
	"github.com/hatchway/runner/internal/config"
	"github.com/hatchway/runner/internal/connectors"
	"github.com/hatchway/runner/internal/credential"
	"github.com/hatchway/runner/internal/events"
	"github.com/hatchway/runner/internal/executor"
	"github.com/hatchway/runner/internal/models"
	"github.com/hatchway/runner/internal/reporter"
	"github.com/hatchway/runner/internal/store"
	"github.com/hatchway/runner/internal/version"
)

const (
	// MaxRejections is how many fresh logins are attempted after the broker
	// rejects a handshake before giving up.
	MaxRejections = 3
	// FlushTimeout bounds the best-effort reporter flush at shutdown.
	FlushTimeout = 5 * time.Second
)

// Authenticator obtains and checks credentials.
type Authenticator interface {
	Login(ctx context.Context, serverURL string) (*credential.Credential, error)
	Validate(ctx context.Context, serverURL string, cred *credential.Credential) (auth.Validity, error)
}

// CredentialStore is the persisted credential.
type CredentialStore interface {
	Load() (*credential.Credential, error)
	Clear() error
}

// Dashboard consumes lifecycle events and renders them until ctx is done.
type Dashboard interface {
	events.Sink
	Run(ctx context.Context) error
}

// Options configures a Supervisor.
type Options struct {
	Config      config.RunnerConfig
	Credentials CredentialStore
	Auth        Authenticator
	// Dialer defaults to a websocket dialer.
	Dialer    broker.Dialer
	Connector connectors.Connector
	Dashboard Dashboard
	Recorder  *store.Recorder
	Audit     *audit.Writer
	// OnLogin runs after each successful interactive login. Its error is
	// logged.
	OnLogin func(config.RunnerConfig) error
	// Interactive reports whether a login prompt can reach the operator.
	Interactive bool
	Logger      *slog.Logger
	Clock       func() time.Time
}

type credentialSource string

const (
	sourceLocal  credentialSource = "local"
	sourceSecret credentialSource = "secret"
	sourceStored credentialSource = "stored"
	sourceLogin  credentialSource = "login"
)

// Supervisor runs one runner instance.
type Supervisor struct {
	opts   Options
	cfg    config.RunnerConfig
	logger *slog.Logger
	clock  func() time.Time
	hub    *events.Hub

	source    credentialSource
	exec      *executor.Executor
	connected atomic.Bool

	force     chan struct{}
	forceOnce sync.Once
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Supervisor{
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger.With("component", "supervisor"),
		clock:  opts.Clock,
		hub:    events.NewHubWithClock(opts.Clock),
		force:  make(chan struct{}),
	}
}

// Run starts the runner and blocks until ctx is done and shutdown has
// completed. Only startup credential failures and unrecoverable handshake
// rejections are returned; everything else becomes state and events.
func (s *Supervisor) Run(ctx context.Context) error {
	token, err := s.resolveCredential(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	tuning := s.cfg.Tuning
	rep := reporter.New(reporter.Options{Buffer: tuning.ReporterBuffer, Logger: s.opts.Logger})
	defer rep.Close()
	s.hub.Subscribe(rep)
	s.hub.Subscribe(events.SinkFunc(s.observe))
	if s.opts.Recorder != nil {
		s.hub.Subscribe(s.opts.Recorder)
	}
	if s.opts.Dashboard != nil {
		s.hub.Subscribe(s.opts.Dashboard)
	}
	defer s.hub.Close()

	s.exec = executor.New(executor.Options{
		Workspace: s.cfg.Workspace,
		Connector: s.opts.Connector,
		Config: &executor.Config{
			MaxConcurrent: tuning.MaxConcurrentJobs,
			CancelGrace:   tuning.CancelGrace,
		},
		Events: s.hub,
		Logger: s.opts.Logger,
		Clock:  s.clock,
	})
	if s.opts.Recorder != nil {
		exec := s.exec
		s.opts.Recorder.SetLookup(func(id string) (models.RunSummary, bool) {
			run, ok := exec.Get(id)
			if !ok {
				return models.RunSummary{}, false
			}
			return run.Snapshot(), true
		})
	}

	dash := s.startDashboard()
	defer dash.stop()

	s.logger.Info("runner starting",
		"runner_id", s.cfg.RunnerID,
		"broker", s.cfg.BrokerURL,
		"workspace", s.cfg.Workspace,
		"max_jobs", tuning.MaxConcurrentJobs,
		"credential", string(s.source),
	)

	rejections := 0
	for {
		conn := s.newConn(token)
		rep.SetSender(conn)
		s.connected.Store(false)
		if err := conn.Connect(context.Background()); err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			s.pump(conn)
		}()

		select {
		case <-ctx.Done():
			s.shutdown(rep, conn)
			<-pumpDone
			return nil
		case <-pumpDone:
		}

		// The connection only closes on its own after a handshake rejection.
		if s.connected.Load() {
			rejections = 0
		}
		rejections++
		token, err = s.recoverRejection(ctx, conn.Err(), rejections, dash)
		if err != nil {
			s.shutdown(rep, nil)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Supervisor) observe(ev models.LifecycleEvent) {
	if ev.Kind == models.EventConnectionStateChanged && ev.Connection.Phase == models.PhaseConnected {
		s.connected.Store(true)
	}
}

func (s *Supervisor) newConn(token string) *broker.Conn {
	t := s.cfg.Tuning
	return broker.New(broker.Options{
		URL:      s.cfg.BrokerURL,
		RunnerID: s.cfg.RunnerID,
		Token:    token,
		Version:  version.Version,
		Capacity: t.MaxConcurrentJobs,
		Dialer:   s.opts.Dialer,
		Backoff: broker.Backoff{
			Initial:    t.BackoffInitial,
			Max:        t.BackoffMax,
			Multiplier: t.BackoffMultiplier,
			Jitter:     t.BackoffJitter,
		},
		HeartbeatInterval: t.HeartbeatInterval,
		HeartbeatTimeout:  t.HeartbeatTimeout,
		HandshakeTimeout:  t.HandshakeTimeout,
		Events:            s.hub,
		Logger:            s.opts.Logger,
		Clock:             s.clock,
	})
}

// pump feeds inbound broker messages to the executor until the connection
// closes. It keeps running during shutdown so cancellations still arrive;
// new assignments are refused by the executor by then.
func (s *Supervisor) pump(conn *broker.Conn) {
	for m := range conn.Messages() {
		s.handle(m)
	}
}

func (s *Supervisor) handle(m broker.Message) {
	switch m.Type {
	case broker.TypeJobAssignment:
		a := m.Assignment(s.clock())
		if _, err := s.exec.Submit(a); err != nil {
			s.logger.Warn("assignment not accepted", "job_id", a.ID, "error", err)
		}
	case broker.TypeCancelJob:
		outcome := "requested"
		if err := s.exec.Cancel(m.JobID); err != nil {
			outcome = "unknown_job"
			s.logger.Warn("cancel for unknown job", "job_id", m.JobID, "error", err)
		}
		s.opts.Audit.Record(context.Background(), audit.ActionJobCancel,
			map[string]string{"job_id": m.JobID}, outcome, m.JobID, "")
	default:
		s.logger.Debug("ignoring broker message", "type", m.Type)
	}
}

// shutdown stops the runner in order: running jobs get the shutdown grace,
// the reporter is flushed best-effort, then the connection is closed.
func (s *Supervisor) shutdown(rep *reporter.Reporter, conn *broker.Conn) {
	running, queued := s.exec.Stats()
	s.logger.Info("shutting down", "running", running, "queued", queued)

	graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Tuning.ShutdownGrace)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-s.force:
			s.logger.Warn("forced shutdown, killing running jobs")
			s.exec.Kill()
			cancel()
		case <-stopped:
		}
	}()

	if err := s.exec.Shutdown(graceCtx); err != nil {
		s.logger.Warn("jobs were cancelled after the shutdown grace", "grace", s.cfg.Tuning.ShutdownGrace)
	}
	cancel()
	close(stopped)

	if conn != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
		if err := rep.Flush(flushCtx); err != nil {
			s.logger.Warn("status events not delivered before exit", "error", err)
		}
		cancel()
		conn.Disconnect()
	}

	s.opts.Audit.Record(context.Background(), audit.ActionShutdown,
		map[string]int{"running": running, "queued": queued}, "completed", "", "")
}

// ForceStop kills running jobs without waiting for the shutdown grace.
// It only takes effect once the run context is cancelled and may be
// called before that or more than once.
func (s *Supervisor) ForceStop() {
	s.forceOnce.Do(func() { close(s.force) })
}

// resolveCredential picks the token used for the handshake.
func (s *Supervisor) resolveCredential(ctx context.Context) (string, error) {
	token, source, err := s.credential(ctx)
	if err != nil {
		return "", err
	}
	s.source = source
	s.opts.Audit.Record(ctx, audit.ActionCredentialResolved,
		map[string]string{"runner_id": s.cfg.RunnerID, "server_url": s.cfg.ServerURL},
		string(source), "", "")
	return token, nil
}

func (s *Supervisor) credential(ctx context.Context) (string, credentialSource, error) {
	if s.cfg.Local {
		s.logger.Info("local mode, skipping authentication")
		return "", sourceLocal, nil
	}
	if s.cfg.Secret != "" {
		return s.cfg.Secret, sourceSecret, nil
	}

	cred := s.loadStored()
	if cred != nil {
		validity, err := s.opts.Auth.Validate(ctx, s.cfg.ServerURL, cred)
		switch {
		case err != nil:
			// The broker still checks the token at handshake time.
			s.logger.Warn("could not validate stored credential, using it anyway", "error", err)
			return cred.Token, sourceStored, nil
		case validity == auth.Valid:
			return cred.Token, sourceStored, nil
		default:
			s.logger.Warn("stored credential is no longer valid", "validity", validity)
			s.clearStored()
		}
	}

	token, err := s.login(ctx, "no valid credential")
	if err != nil {
		return "", "", err
	}
	return token, sourceLogin, nil
}

func (s *Supervisor) loadStored() *credential.Credential {
	if s.opts.Credentials == nil {
		return nil
	}
	cred, err := s.opts.Credentials.Load()
	if err != nil {
		s.logger.Warn("could not read stored credential", "error", err)
		return nil
	}
	if cred == nil {
		return nil
	}
	if cred.ServerURL != "" && cred.ServerURL != s.cfg.ServerURL {
		s.logger.Info("stored credential belongs to another server", "credential_server", cred.ServerURL)
		return nil
	}
	return cred
}

func (s *Supervisor) clearStored() {
	if s.opts.Credentials == nil {
		return
	}
	if err := s.opts.Credentials.Clear(); err != nil {
		s.logger.Warn("could not clear stored credential", "error", err)
	}
}

func (s *Supervisor) login(ctx context.Context, why string) (string, error) {
	if !s.opts.Interactive {
		return "", &auth.Error{
			Kind: auth.KindNonInteractive,
			Msg:  why + " and no interactive terminal to log in; run `hatchway-runner login` or pass --secret",
		}
	}
	s.logger.Info("starting login", "server", s.cfg.ServerURL)
	cred, err := s.opts.Auth.Login(ctx, s.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	if s.opts.OnLogin != nil {
		if err := s.opts.OnLogin(s.cfg); err != nil {
			s.logger.Warn("could not save the login server", "server", s.cfg.ServerURL, "error", err)
		}
	}
	return cred.Token, nil
}

// recoverRejection obtains a fresh credential after the broker rejected the
// handshake.
func (s *Supervisor) recoverRejection(ctx context.Context, cause error, rejections int, dash *dashboardRunner) (string, error) {
	s.logger.Error("broker rejected the runner credential", "error", cause, "rejections", rejections)

	switch s.source {
	case sourceLocal, sourceSecret:
		return "", &auth.Error{Kind: auth.KindRejected, Msg: fmt.Sprintf("broker rejected the %s credential", s.source), Err: cause}
	}
	if rejections > MaxRejections {
		return "", &auth.Error{Kind: auth.KindRejected, Msg: fmt.Sprintf("broker rejected %d credentials in a row", rejections), Err: cause}
	}

	s.clearStored()
	dash.pause()
	token, err := s.login(ctx, "broker rejected the credential")
	dash.resume()
	if err != nil {
		var authErr *auth.Error
		if !errors.As(err, &authErr) {
			err = &auth.Error{Kind: auth.KindRejected, Msg: "login after rejection failed", Err: err}
		}
		return "", err
	}

	s.source = sourceLogin
	s.opts.Audit.Record(ctx, audit.ActionRelogin,
		map[string]string{"runner_id": s.cfg.RunnerID, "server_url": s.cfg.ServerURL},
		"logged_in", "", fmt.Sprintf("after %d rejection(s)", rejections))
	return token, nil
}

// dashboardRunner runs the dashboard and can take it off the terminal while
// a login prompt is shown.
type dashboardRunner struct {
	dashboard Dashboard
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *Supervisor) startDashboard() *dashboardRunner {
	d := &dashboardRunner{dashboard: s.opts.Dashboard, logger: s.logger}
	d.resume()
	return d
}

func (d *dashboardRunner) resume() {
	if d.dashboard == nil || d.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go func() {
		defer close(done)
		if err := d.dashboard.Run(ctx); err != nil {
			d.logger.Warn("dashboard stopped", "error", err)
		}
	}()
}

func (d *dashboardRunner) pause() {
	if d.done == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
}

func (d *dashboardRunner) stop() {
	d.pause()
}

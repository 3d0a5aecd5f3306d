// Package config resolves the immutable per-session runner configuration.
//
// Every field is resolved independently with the precedence
// CLI flag > environment > persisted file > built-in default.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultServerURL is the hosted control plane.
	DefaultServerURL = "https://hatchway.sh"
	// DefaultLocalServerURL is used in local mode when no URL is configured.
	DefaultLocalServerURL = "http://localhost:3000"
	// BrokerPath is appended to the server URL to derive the broker URL.
	BrokerPath = "/ws/runner"
	// DefaultWorkspaceDir is created under the user's home directory.
	DefaultWorkspaceDir = "hatchway-workspace"
)

// Environment variable names.
const (
	EnvServerURL = "HATCHWAY_URL"
	EnvWorkspace = "HATCHWAY_WORKSPACE"
	EnvRunnerID  = "HATCHWAY_RUNNER_ID"
	EnvSecret    = "HATCHWAY_SECRET"
	EnvBrokerURL = "HATCHWAY_BROKER_URL"
	EnvVerbose   = "HATCHWAY_VERBOSE"
	EnvLocal     = "HATCHWAY_LOCAL"
	EnvTUI       = "HATCHWAY_TUI"
	EnvMaxJobs   = "HATCHWAY_MAX_JOBS"
)

// Tuning holds timing and sizing knobs. None of them are pinned by the
// protocol; they default to the values in Defaults.
type Tuning struct {
	MaxConcurrentJobs int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	CancelGrace       time.Duration
	ShutdownGrace     time.Duration
	ReporterBuffer    int
}

// Defaults returns the built-in tuning.
func Defaults() Tuning {
	return Tuning{
		MaxConcurrentJobs: 2,
		BackoffInitial:    time.Second,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0.2,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  45 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		CancelGrace:       10 * time.Second,
		ShutdownGrace:     30 * time.Second,
		ReporterBuffer:    1000,
	}
}

// RunnerConfig is built once per session and passed by value.
type RunnerConfig struct {
	ServerURL string
	BrokerURL string
	Workspace string
	RunnerID  string
	Secret    string
	Verbose   bool
	Local     bool
	TUI       bool
	Tuning    Tuning
}

// CLIOptions carries flags as supplied on the command line. A nil field means
// the flag was not given.
type CLIOptions struct {
	ServerURL *string
	Workspace *string
	RunnerID  *string
	Secret    *string
	BrokerURL *string
	Verbose   *bool
	Local     *bool
	TUI       *bool
	MaxJobs   *int
}

// Resolver merges CLI options with the environment, the persisted file and
// the built-in defaults.
type Resolver struct {
	LookupEnv   func(string) (string, bool)
	HomeDir     string
	File        *File
	CurrentUser func() string
}

// NewResolver creates a resolver over the real environment and the default
// persisted file.
func NewResolver() (*Resolver, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, &Error{Field: "home", Err: err}
	}
	path, err := DefaultFilePath()
	if err != nil {
		return nil, &Error{Field: "file", Err: err}
	}
	f, err := LoadFile(path)
	if err != nil {
		return nil, &Error{Field: "file", Err: err}
	}
	return &Resolver{
		LookupEnv:   os.LookupEnv,
		HomeDir:     home,
		File:        f,
		CurrentUser: systemUser,
	}, nil
}

// Resolve produces the session configuration. It creates the workspace and
// fails with *Error when it cannot be created or written.
func (r *Resolver) Resolve(opts CLIOptions) (RunnerConfig, error) {
	f := r.File
	if f == nil {
		f = &File{}
	}
	def := Defaults()
	var cfg RunnerConfig
	var err error

	if cfg.Local, err = r.pickBool(opts.Local, EnvLocal, f.Local, false); err != nil {
		return cfg, err
	}
	if cfg.Verbose, err = r.pickBool(opts.Verbose, EnvVerbose, f.Verbose, false); err != nil {
		return cfg, err
	}
	if cfg.TUI, err = r.pickBool(opts.TUI, EnvTUI, f.TUI, true); err != nil {
		return cfg, err
	}

	defaultServer := DefaultServerURL
	if cfg.Local {
		defaultServer = DefaultLocalServerURL
	}
	cfg.ServerURL = strings.TrimRight(r.pickString(opts.ServerURL, EnvServerURL, f.ServerURL, defaultServer), "/")
	if _, err := parseHTTPURL(cfg.ServerURL); err != nil {
		return cfg, &Error{Field: "server_url", Err: err}
	}

	if override := r.pickString(opts.BrokerURL, EnvBrokerURL, f.BrokerURL, ""); override != "" {
		if err := checkBrokerURL(override); err != nil {
			return cfg, &Error{Field: "broker_url", Err: err}
		}
		cfg.BrokerURL = override
	} else {
		cfg.BrokerURL, err = DeriveBrokerURL(cfg.ServerURL)
		if err != nil {
			return cfg, &Error{Field: "broker_url", Err: err}
		}
	}

	cfg.RunnerID = r.pickString(opts.RunnerID, EnvRunnerID, f.RunnerID, r.defaultRunnerID())
	if strings.TrimSpace(cfg.RunnerID) == "" {
		return cfg, &Error{Field: "runner_id", Err: errors.New("runner identifier is empty")}
	}
	cfg.Secret = r.pickString(opts.Secret, EnvSecret, f.Secret, "")

	workspace := r.pickString(opts.Workspace, EnvWorkspace, f.Workspace, filepath.Join(r.HomeDir, DefaultWorkspaceDir))
	cfg.Workspace, err = r.expandPath(workspace)
	if err != nil {
		return cfg, &Error{Field: "workspace", Err: err}
	}
	if err := ensureWritable(cfg.Workspace); err != nil {
		return cfg, &Error{Field: "workspace", Err: err}
	}

	cfg.Tuning = mergeTuning(def, f)
	if cfg.Tuning.MaxConcurrentJobs, err = r.pickInt(opts.MaxJobs, EnvMaxJobs, f.MaxConcurrentJobs, def.MaxConcurrentJobs); err != nil {
		return cfg, err
	}
	if cfg.Tuning.MaxConcurrentJobs < 1 {
		return cfg, &Error{Field: "max_concurrent_jobs", Err: fmt.Errorf("must be at least 1, got %d", cfg.Tuning.MaxConcurrentJobs)}
	}

	return cfg, nil
}

// DeriveBrokerURL rewrites the server URL scheme (http→ws, https→wss) and
// appends BrokerPath. It is pure.
func DeriveBrokerURL(serverURL string) (string, error) {
	u, err := parseHTTPURL(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + BrokerPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return u, nil
}

func checkBrokerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

func (r *Resolver) env(key string) (string, bool) {
	if r.LookupEnv == nil {
		return "", false
	}
	v, ok := r.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *Resolver) pickString(cli *string, envKey, file, def string) string {
	if cli != nil {
		return *cli
	}
	if v, ok := r.env(envKey); ok {
		return v
	}
	if file != "" {
		return file
	}
	return def
}

func (r *Resolver) pickBool(cli *bool, envKey string, file *bool, def bool) (bool, error) {
	if cli != nil {
		return *cli, nil
	}
	if v, ok := r.env(envKey); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, &Error{Field: envKey, Err: fmt.Errorf("not a boolean: %q", v)}
		}
		return b, nil
	}
	if file != nil {
		return *file, nil
	}
	return def, nil
}

func (r *Resolver) pickInt(cli *int, envKey string, file, def int) (int, error) {
	if cli != nil {
		return *cli, nil
	}
	if v, ok := r.env(envKey); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, &Error{Field: envKey, Err: fmt.Errorf("not an integer: %q", v)}
		}
		return n, nil
	}
	if file != 0 {
		return file, nil
	}
	return def, nil
}

func (r *Resolver) defaultRunnerID() string {
	if r.CurrentUser != nil {
		if name := r.CurrentUser(); name != "" {
			return name
		}
	}
	return "runner"
}

func (r *Resolver) expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		p = filepath.Join(r.HomeDir, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func mergeTuning(t Tuning, f *File) Tuning {
	if f.BackoffInitial > 0 {
		t.BackoffInitial = f.BackoffInitial
	}
	if f.BackoffMax > 0 {
		t.BackoffMax = f.BackoffMax
	}
	if f.BackoffMultiplier > 0 {
		t.BackoffMultiplier = f.BackoffMultiplier
	}
	if f.BackoffJitter > 0 {
		t.BackoffJitter = f.BackoffJitter
	}
	if f.HeartbeatInterval > 0 {
		t.HeartbeatInterval = f.HeartbeatInterval
	}
	if f.HeartbeatTimeout > 0 {
		t.HeartbeatTimeout = f.HeartbeatTimeout
	}
	if f.HandshakeTimeout > 0 {
		t.HandshakeTimeout = f.HandshakeTimeout
	}
	if f.CancelGrace > 0 {
		t.CancelGrace = f.CancelGrace
	}
	if f.ShutdownGrace > 0 {
		t.ShutdownGrace = f.ShutdownGrace
	}
	if f.ReporterBuffer > 0 {
		t.ReporterBuffer = f.ReporterBuffer
	}
	return t
}

// ensureWritable creates dir and proves a file can be written inside it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("workspace %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func systemUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		// Windows usernames carry the domain prefix.
		if i := strings.LastIndex(u.Username, `\`); i >= 0 {
			return u.Username[i+1:]
		}
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}

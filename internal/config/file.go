package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the persisted configuration file inside the config directory.
const FileName = "runner.yaml"

// File holds persisted configuration values. Zero values mean "not set" and
// fall through to the built-in defaults.
type File struct {
	ServerURL string `yaml:"server_url,omitempty"`
	BrokerURL string `yaml:"broker_url,omitempty"`
	Workspace string `yaml:"workspace,omitempty"`
	RunnerID  string `yaml:"runner_id,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	Verbose   *bool  `yaml:"verbose,omitempty"`
	Local     *bool  `yaml:"local,omitempty"`
	TUI       *bool  `yaml:"tui,omitempty"`

	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs,omitempty"`
	BackoffInitial    time.Duration `yaml:"backoff_initial,omitempty"`
	BackoffMax        time.Duration `yaml:"backoff_max,omitempty"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier,omitempty"`
	BackoffJitter     float64       `yaml:"backoff_jitter,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout,omitempty"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout,omitempty"`
	CancelGrace       time.Duration `yaml:"cancel_grace,omitempty"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace,omitempty"`
	ReporterBuffer    int           `yaml:"reporter_buffer,omitempty"`
}

// DefaultFilePath returns ~/.config/hatchway/runner.yaml.
func DefaultFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".config", "hatchway", FileName), nil
}

// LoadFile loads persisted values from a YAML file. A missing file yields an
// empty File.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f, nil
}

// SaveFile writes persisted values, creating parent directories if needed.
func SaveFile(path string, f *File) error {
	if f == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// RememberServer records the server a login was made against, so later runs
// without --url resolve the same server and keep using its credential. A
// broker URL is kept only when it is not the one derived from the server.
func RememberServer(path string, cfg RunnerConfig) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	f.ServerURL = cfg.ServerURL
	f.BrokerURL = ""
	if derived, err := DeriveBrokerURL(cfg.ServerURL); err != nil || derived != cfg.BrokerURL {
		f.BrokerURL = cfg.BrokerURL
	}
	return SaveFile(path, f)
}

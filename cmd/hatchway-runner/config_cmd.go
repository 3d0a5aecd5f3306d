package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hatchway/runner/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect runner configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

// shownConfig is the printable form of config.RunnerConfig.
type shownConfig struct {
	ServerURL string `yaml:"server_url"`
	BrokerURL string `yaml:"broker_url"`
	Workspace string `yaml:"workspace"`
	RunnerID  string `yaml:"runner_id"`
	Secret    string `yaml:"secret,omitempty"`
	Verbose   bool   `yaml:"verbose"`
	Local     bool   `yaml:"local"`
	TUI       bool   `yaml:"tui"`
	Tuning    struct {
		MaxConcurrentJobs int     `yaml:"max_concurrent_jobs"`
		BackoffInitial    string  `yaml:"backoff_initial"`
		BackoffMax        string  `yaml:"backoff_max"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		BackoffJitter     float64 `yaml:"backoff_jitter"`
		HeartbeatInterval string  `yaml:"heartbeat_interval"`
		HeartbeatTimeout  string  `yaml:"heartbeat_timeout"`
		HandshakeTimeout  string  `yaml:"handshake_timeout"`
		CancelGrace       string  `yaml:"cancel_grace"`
		ShutdownGrace     string  `yaml:"shutdown_grace"`
		ReporterBuffer    int     `yaml:"reporter_buffer"`
	} `yaml:"tuning"`
}

func showConfig(cfg config.RunnerConfig) shownConfig {
	s := shownConfig{
		ServerURL: cfg.ServerURL,
		BrokerURL: cfg.BrokerURL,
		Workspace: cfg.Workspace,
		RunnerID:  cfg.RunnerID,
		Verbose:   cfg.Verbose,
		Local:     cfg.Local,
		TUI:       cfg.TUI,
	}
	if cfg.Secret != "" {
		s.Secret = "********"
	}
	t := cfg.Tuning
	s.Tuning.MaxConcurrentJobs = t.MaxConcurrentJobs
	s.Tuning.BackoffInitial = t.BackoffInitial.String()
	s.Tuning.BackoffMax = t.BackoffMax.String()
	s.Tuning.BackoffMultiplier = t.BackoffMultiplier
	s.Tuning.BackoffJitter = t.BackoffJitter
	s.Tuning.HeartbeatInterval = t.HeartbeatInterval.String()
	s.Tuning.HeartbeatTimeout = t.HeartbeatTimeout.String()
	s.Tuning.HandshakeTimeout = t.HandshakeTimeout.String()
	s.Tuning.CancelGrace = t.CancelGrace.String()
	s.Tuning.ShutdownGrace = t.ShutdownGrace.String()
	s.Tuning.ReporterBuffer = t.ReporterBuffer
	return s
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(showConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

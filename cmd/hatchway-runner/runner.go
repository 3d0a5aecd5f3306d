package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hatchway/runner/internal/audit"
	"github.com/hatchway/runner/internal/auth"
	"github.com/hatchway/runner/internal/config"
	"github.com/hatchway/runner/internal/connectors/localexec"
	"github.com/hatchway/runner/internal/credential"
	"github.com/hatchway/runner/internal/dashboard"
	"github.com/hatchway/runner/internal/executor"
	"github.com/hatchway/runner/internal/logger"
	"github.com/hatchway/runner/internal/store"
	"github.com/hatchway/runner/internal/supervisor"
	"github.com/hatchway/runner/internal/version"
)

// LogFile is the runner log inside the workspace state directory, used
// while the dashboard owns the terminal.
const LogFile = "runner.log"

// EnvLogFormat selects "json" or "text" log output.
const EnvLogFormat = "HATCHWAY_LOG_FORMAT"

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	interactive := isInteractive()
	useTUI := cfg.TUI && interactive

	var logOut io.Writer = os.Stderr
	if useTUI {
		path := filepath.Join(cfg.Workspace, executor.StateDir, LogFile)
		f, err := logger.OpenFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot open %s (%v), using the plain log\n", path, err)
			useTUI = false
		} else {
			defer f.Close()
			logOut = f
		}
	}
	log := logger.Init(logger.Options{Output: logOut, Verbose: cfg.Verbose, Format: os.Getenv(EnvLogFormat)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The dashboard is built before the supervisor it forces.
	var sup *supervisor.Supervisor
	var dash supervisor.Dashboard
	if useTUI {
		dash = dashboard.NewTUI(dashboard.TUIOptions{
			RunnerID:  cfg.RunnerID,
			Workspace: cfg.Workspace,
			Quit:      cancel,
			Force:     func() { sup.ForceStop() },
		})
	} else {
		printBanner(cmd.OutOrStdout(), cfg)
		plain := dashboard.NewPlainLog(dashboard.PlainOptions{Output: cmd.OutOrStdout()})
		defer plain.Close()
		dash = plain
	}

	opts := supervisor.Options{
		Config:      cfg,
		Connector:   localexec.New(),
		Dashboard:   dash,
		OnLogin:     rememberServer,
		Interactive: interactive,
		Logger:      log,
	}

	credStore, err := credential.NewStore()
	if err != nil {
		log.Warn("credential store unavailable, logins will not be saved", "error", err)
	} else {
		opts.Credentials = credStore
	}
	opts.Auth = auth.New(auth.Options{
		Store:       credStore,
		Out:         cmd.OutOrStdout(),
		OpenBrowser: auth.OpenBrowser,
		Logger:      log,
	})

	if history, err := openHistory(log); err != nil {
		log.Warn("job history disabled", "error", err)
	} else {
		defer history.Close()
		recorder := store.NewRecorder(store.RecorderOptions{Store: history, RunnerID: cfg.RunnerID, Logger: log})
		defer recorder.Close()
		opts.Recorder = recorder
		opts.Audit = audit.NewWriter(history, log)
	}

	sup = supervisor.New(opts)
	return sup.Run(ctx)
}

func openHistory(log *slog.Logger) (*store.Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := store.DefaultPath(home)
	log.Debug("opening job history", "path", path)
	return store.New(path)
}

var (
	bannerTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	bannerKey   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func printBanner(w io.Writer, cfg config.RunnerConfig) {
	fmt.Fprintln(w, bannerTitle.Render("Hatchway Runner "+version.Version))
	row := func(k, v string) {
		fmt.Fprintf(w, "  %s %s\n", bannerKey.Render(fmt.Sprintf("%-10s", k)), v)
	}
	row("runner", cfg.RunnerID)
	if cfg.Local {
		row("mode", "local (no authentication)")
	}
	row("server", cfg.ServerURL)
	row("broker", cfg.BrokerURL)
	row("workspace", cfg.Workspace)
	row("max jobs", fmt.Sprint(cfg.Tuning.MaxConcurrentJobs))
	fmt.Fprintln(w)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hatchway/runner/internal/auth"
	"github.com/hatchway/runner/internal/config"
	"github.com/hatchway/runner/internal/credential"
	"github.com/hatchway/runner/internal/logger"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	commandStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4"))
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate this runner with the Hatchway server",
	Args:  cobra.NoArgs,
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored runner credential",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if cfg.Local {
		fmt.Fprintln(out, "Local mode does not use authentication.")
		return nil
	}
	if !isInteractive() {
		return &auth.Error{Kind: auth.KindNonInteractive, Msg: "login needs an interactive terminal"}
	}

	log := logger.Init(logger.Options{Verbose: cfg.Verbose, Format: os.Getenv(EnvLogFormat)})
	store, err := credential.NewStore()
	if err != nil {
		log.Warn("credential store unavailable, the login will not be saved", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := auth.New(auth.Options{Store: store, Out: out, OpenBrowser: auth.OpenBrowser, Logger: log})
	if _, err := a.Login(ctx, cfg.ServerURL); err != nil {
		return err
	}

	fmt.Fprintln(out, successStyle.Render("Logged in successfully."))
	if store != nil && store.Exists() {
		fmt.Fprintf(out, "Credential saved to %s\n", store.Path())
	}
	if err := rememberServer(cfg); err != nil {
		log.Warn("could not save the server URL, pass --url on later runs", "server_url", cfg.ServerURL, "error", err)
	}
	return nil
}

// rememberServer persists the login's server so a plain run picks the same
// server and accepts the stored credential.
func rememberServer(cfg config.RunnerConfig) error {
	path, err := config.DefaultFilePath()
	if err != nil {
		return err
	}
	return config.RememberServer(path, cfg)
}

func runLogout(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	store, err := credential.NewStore()
	if err != nil {
		return err
	}
	if !store.Exists() {
		fmt.Fprintln(out, "Not currently logged in.")
		return nil
	}
	if err := auth.New(auth.Options{Store: store}).Logout(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	fmt.Fprintln(out, successStyle.Render("Logged out successfully."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Note: The runner token is still valid on the server.")
	fmt.Fprintln(out, "To revoke it, visit your Hatchway dashboard.")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Run %s to authenticate again.\n", commandStyle.Render(binaryName+" login"))
	return nil
}

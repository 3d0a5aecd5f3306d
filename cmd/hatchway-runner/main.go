package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hatchway/runner/internal/config"
	"github.com/hatchway/runner/internal/version"
)

const binaryName = "hatchway-runner"

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Hatchway Runner - executes Hatchway jobs on this machine",
	Long: `Hatchway Runner connects to the Hatchway broker, receives job assignments and
runs them inside a local workspace, reporting their progress back to the server.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runRunner,
}

var (
	flagServerURL string
	flagWorkspace string
	flagRunnerID  string
	flagSecret    string
	flagBrokerURL string
	flagVerbose   bool
	flagLocal     bool
	flagNoTUI     bool
	flagMaxJobs   int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagServerURL, "url", "u", "", "Hatchway server URL (default "+config.DefaultServerURL+")")
	flags.StringVarP(&flagWorkspace, "workspace", "w", "", "Workspace root for job directories (default ~/"+config.DefaultWorkspaceDir+")")
	flags.StringVarP(&flagRunnerID, "runner-id", "i", "", "Runner identifier (default: OS user name)")
	flags.StringVarP(&flagSecret, "secret", "s", "", "Shared secret used instead of a stored login")
	flags.StringVarP(&flagBrokerURL, "broker", "b", "", "Broker websocket URL override")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVarP(&flagLocal, "local", "l", false, "Local mode: skip authentication")

	rootCmd.Flags().BoolVar(&flagNoTUI, "no-tui", false, "Disable the dashboard and print a plain event log")
	rootCmd.Flags().IntVar(&flagMaxJobs, "max-jobs", 0, "Maximum number of jobs running at once")

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s {{.Version}}\n", binaryName))

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version.Print(cmd.OutOrStdout(), binaryName)
	},
}

// cliOptions maps the flags that were explicitly set; unset flags fall
// through to the environment, the config file and the defaults.
func cliOptions(cmd *cobra.Command) config.CLIOptions {
	var opts config.CLIOptions
	flags := cmd.Flags()
	if flags.Changed("url") {
		opts.ServerURL = &flagServerURL
	}
	if flags.Changed("workspace") {
		opts.Workspace = &flagWorkspace
	}
	if flags.Changed("runner-id") {
		opts.RunnerID = &flagRunnerID
	}
	if flags.Changed("secret") {
		opts.Secret = &flagSecret
	}
	if flags.Changed("broker") {
		opts.BrokerURL = &flagBrokerURL
	}
	if flags.Changed("verbose") {
		opts.Verbose = &flagVerbose
	}
	if flags.Changed("local") {
		opts.Local = &flagLocal
	}
	if flags.Lookup("no-tui") != nil && flags.Changed("no-tui") {
		tui := !flagNoTUI
		opts.TUI = &tui
	}
	if flags.Lookup("max-jobs") != nil && flags.Changed("max-jobs") {
		opts.MaxJobs = &flagMaxJobs
	}
	return opts
}

func resolveConfig(cmd *cobra.Command) (config.RunnerConfig, error) {
	r, err := config.NewResolver()
	if err != nil {
		return config.RunnerConfig{}, err
	}
	return r.Resolve(cliOptions(cmd))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

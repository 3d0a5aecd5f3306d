package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hatchway/runner/internal/store"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs run on this machine",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Number of jobs to show (0 for all)")
}

func runJobs(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	s, err := store.New(store.DefaultPath(home))
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(cmd.Context(), jobsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No jobs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tEXIT\tQUEUED\tELAPSED\tREASON")
	now := time.Now()
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID,
			r.State,
			exit,
			r.QueuedAt.Local().Format("2006-01-02 15:04:05"),
			r.Elapsed(now).Round(time.Second),
			r.Reason,
		)
	}
	return w.Flush()
}

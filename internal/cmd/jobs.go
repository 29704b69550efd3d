package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	"github.com/g-k/telemetry-analysis-service/internal/lifecycle"
	"github.com/g-k/telemetry-analysis-service/internal/storage"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scheduled jobs and their runs",
	Long: `Inspect scheduled jobs and their runs.

get, runs and download go through the access rules as the operator user
(--as, or the first lifecycle admin). list reads the store directly.`,
}

var (
	jobsOwner          string
	jobsIncludeGranted bool
	jobsTable          bool
	jobsRunsLimit      int
	jobsOutFile        string
	jobsPayload        bool
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first.

Examples:
  # Every job
  atmo jobs list

  # Jobs owned by or shared with a user, as a table
  atmo jobs list --owner ana --granted --table`,
	Args: cobra.NoArgs,
	RunE: runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "List the runs of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRuns,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download the latest captured output (or the payload with --payload)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDownload,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsRunsCmd, jobsDownloadCmd)

	jobsListCmd.Flags().StringVar(&jobsOwner, "owner", "", "Only jobs owned by this user id")
	jobsListCmd.Flags().BoolVar(&jobsIncludeGranted, "granted", false, "With --owner, include jobs shared with the user")
	jobsListCmd.Flags().BoolVar(&jobsTable, "table", false, "Print a table instead of JSON")

	jobsRunsCmd.Flags().IntVar(&jobsRunsLimit, "limit", 20, "Maximum number of runs")

	jobsDownloadCmd.Flags().StringVarP(&jobsOutFile, "output", "o", "", "Output file (default: the notebook name in the current directory)")
	jobsDownloadCmd.Flags().BoolVar(&jobsPayload, "payload", false, "Download the job's notebook instead of its output")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Store().ListJobs(cmd.Context(), storage.JobQuery{OwnerID: jobsOwner, IncludeGranted: jobsIncludeGranted})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if list == nil {
		list = []*jobs.Definition{}
	}
	if !jobsTable {
		return printJSON(cmd.OutOrStdout(), list)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tIDENTIFIER\tOWNER\tINTERVAL\tENABLED\tNEXT RUN")
	for _, d := range list {
		next := "-"
		if d.NextRunAt != nil {
			next = d.NextRunAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", d.ID, d.Identifier, d.OwnerID, d.Interval, d.Enabled, next)
	}
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	u, err := operator(a)
	if err != nil {
		return err
	}
	d, err := a.Lifecycle().GetJob(cmd.Context(), u, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), d)
}

func runJobsRuns(cmd *cobra.Command, args []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	u, err := operator(a)
	if err != nil {
		return err
	}
	runs, err := a.Lifecycle().ListRuns(cmd.Context(), u, args[0], jobsRunsLimit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*jobs.Run{}
	}
	return printJSON(cmd.OutOrStdout(), runs)
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	a, err := openOffline(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	u, err := operator(a)
	if err != nil {
		return err
	}

	var dl *lifecycle.Download
	if jobsPayload {
		dl, err = a.Lifecycle().DownloadPayload(cmd.Context(), u, args[0])
	} else {
		dl, err = a.Lifecycle().DownloadOutput(cmd.Context(), u, args[0])
	}
	if err != nil {
		return err
	}

	out := jobsOutFile
	if out == "" {
		out = filepath.Base(dl.Name)
	}
	if out == "-" {
		_, err = cmd.OutOrStdout().Write(dl.Body)
		return err
	}
	if err := os.WriteFile(out, dl.Body, 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", out, dl.Size)
	return nil
}

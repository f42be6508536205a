package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/spf13/cobra"
)

var jobStatuses = []string{
	string(core.JobStatusPending),
	string(core.JobStatusProcessing),
	string(core.JobStatusSuccess),
	string(core.JobStatusError),
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain the job queue",
	}

	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsShowCommand())
	cmd.AddCommand(newJobsCleanupCommand())

	return cmd
}

func newJobsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued jobs, newest first",
		Example: `  # Everything still waiting
  geoquery jobs list --status pending

  # Last 10 jobs as JSON
  geoquery jobs list --limit 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := state.ListOptions{Status: core.JobStatus(status), Limit: limit}
			if status != "" && !opts.Status.Valid() {
				return fmt.Errorf("unknown status %q (want %s)", status, strings.Join(jobStatuses, ", "))
			}
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			return runJobsList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show jobs with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs (0 for all)")
	_ = cmd.RegisterFlagCompletionFunc("status", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return jobStatuses, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runJobsList(cmd *cobra.Command, opts state.ListOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	mode, err := effectiveMode(cmdCtx.Cfg.OutputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	jobs, err := cmdCtx.Store.ListJobs(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if mode == OutputJSON {
		if jobs == nil {
			jobs = []core.QueryJob{}
		}
		return writeJSON(cmd.OutOrStdout(), jobs)
	}
	renderJobs(cmd.OutOrStdout(), jobs)
	return nil
}

func newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one job, including its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := cmdCtx.Store.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %q: %w", args[0], core.ErrNotFound)
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newJobsCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished jobs older than --max-age",
		Long: `Delete success and error jobs whose execution (or, failing that,
creation) time is older than the configured maximum age. Pending and
processing jobs are never removed.`,
		Example: `  geoquery jobs cleanup --max-age 72h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobsCleanup(cmd)
		},
	}

	// Read through the config layer as queue.cleanup_max_age.
	cmd.Flags().Duration("max-age", 0, "Age after which finished jobs are deleted")

	return cmd
}

func runJobsCleanup(cmd *cobra.Command) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	maxAge := cmdCtx.Cfg.Queue.CleanupMaxAge
	if maxAge <= 0 {
		return errors.New("a positive --max-age is required")
	}

	pipeline, err := cmdCtx.NewPipeline()
	if err != nil {
		return err
	}

	n, err := pipeline.Consumer.Cleanup(cmd.Context(), maxAge)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d jobs older than %s\n", n, maxAge.Round(time.Second))
	return nil
}

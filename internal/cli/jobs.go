package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"OpenProof-Chain/internal/task"
	"OpenProof-Chain/sdk/go/openproof"
)

// NewJobCommand groups the proof job commands.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage proof jobs",
	}
	cmd.AddCommand(newJobSubmitCommand(rootOpts))
	cmd.AddCommand(newJobGetCommand(rootOpts))
	cmd.AddCommand(newJobListCommand(rootOpts))
	cmd.AddCommand(newJobStatsCommand(rootOpts))
	return cmd
}

func newJobSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		submission openproof.JobSubmission
		wait       bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <tx-signature>",
		Short: "Queue a proof job for a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			submission.TxSignature = args[0]
			job, err := c.SubmitJob(ctx, submission)
			if err != nil {
				return err
			}
			if wait {
				if job, err = c.WaitForJob(ctx, job.ID, interval); err != nil {
					return err
				}
			}
			return rootOpts.printer(cmd).emit(job, func(w io.Writer) { writeJob(w, job) })
		},
	}
	cmd.Flags().StringVar(&submission.ID, "id", "", "idempotency id")
	cmd.Flags().StringVar(&submission.ProgramID, "program", "", "program that emitted the logs (default: node logger)")
	cmd.Flags().Uint64Var(&submission.SrcChainID, "src-chain", 0, "source chain id (default: node setting)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --wait")
	return cmd
}

func newJobGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a proof job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			job, err := c.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(job, func(w io.Writer) { writeJob(w, job) })
		},
	}
}

// jobFilters are the selection flags shared by job list and job stats.
type jobFilters struct {
	since     string
	until     string
	hasResult bool
	order     string
}

func (f *jobFilters) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.since, "updated-since", "", "only jobs updated at or after this time (RFC3339 or unix seconds)")
	cmd.Flags().StringVar(&f.until, "updated-until", "", "only jobs updated at or before this time (RFC3339 or unix seconds)")
	cmd.Flags().BoolVar(&f.hasResult, "has-result", false, "only jobs with (true) or without (false) a recorded result")
	cmd.Flags().StringVar(&f.order, "order", "", "sort by last update: asc or desc")
}

func (f *jobFilters) apply(cmd *cobra.Command, opts *openproof.ListJobsOptions) error {
	var err error
	if opts.UpdatedSince, err = task.ParseTime(f.since); err != nil {
		return fmt.Errorf("--updated-since: %w", err)
	}
	if opts.UpdatedUntil, err = task.ParseTime(f.until); err != nil {
		return fmt.Errorf("--updated-until: %w", err)
	}
	if cmd.Flags().Changed("has-result") {
		present := f.hasResult
		opts.HasResult = &present
	}
	if _, err := task.ParseSortOrder(f.order); err != nil {
		return fmt.Errorf("--order: %w", err)
	}
	opts.Order = f.order
	return nil
}

func newJobListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		opts    openproof.ListJobsOptions
		filters jobFilters
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proof jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := filters.apply(cmd, &opts); err != nil {
				return err
			}
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(ctx, opts)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(jobs, func(w io.Writer) {
				for _, j := range jobs {
					writeJob(w, j)
				}
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum jobs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip this many jobs")
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by status")
	cmd.Flags().StringVar(&opts.Query, "query", "", "match id or signature")
	filters.bind(cmd)
	return cmd
}

func newJobStatsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		opts    openproof.ListJobsOptions
		filters jobFilters
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise proof jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := filters.apply(cmd, &opts); err != nil {
				return err
			}
			ctx, cancel := rootOpts.context(cmd)
			defer cancel()
			c, err := rootOpts.client()
			if err != nil {
				return err
			}
			stats, err := c.JobStats(ctx, opts)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).emit(stats, func(w io.Writer) {
				fmt.Fprintf(w, "total=%d pending=%d running=%d succeeded=%d failed=%d",
					stats.Total, stats.Pending, stats.Running, stats.Succeeded, stats.Failed)
				if stats.Queued != nil {
					fmt.Fprintf(w, " queued=%d", *stats.Queued)
				}
				fmt.Fprintln(w)
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "filter by status")
	cmd.Flags().StringVar(&opts.Query, "query", "", "match id or signature")
	filters.bind(cmd)
	return cmd
}

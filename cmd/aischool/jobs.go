package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/spf13/cobra"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage pipeline jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryCommand(ctx))
	jobsCmd.AddCommand(newJobsResumeCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	jobsCmd.AddCommand(newJobsRetryFailedCommand(ctx))
	return jobsCmd
}

// withApp opens the configured repository and queue for one operator command.
func (c *commandContext) withApp(cmd *cobra.Command, opts appOptions, fn func(context.Context, *app) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, c.logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		status   string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.JobListFilter{Status: domain.JobStatus(strings.TrimSpace(status)), Page: page, PageSize: pageSize}
			return ctx.withApp(cmd, appOptions{}, func(runCtx context.Context, a *app) error {
				jobs, total, err := a.jobs.List(runCtx, filter)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(jobListHeaders, jobListRows(jobs), jobListAligns))
				normalized := filter.Normalize()
				fmt.Fprintf(cmd.OutOrStdout(), "page %d, showing %d of %d\n", normalized.Page, len(jobs), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Jobs per page (max 100)")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(runCtx context.Context, a *app) error {
				job, err := a.jobs.Get(runCtx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, jobDetailRows(job), nil))
				return nil
			})
		},
	}
}

func newJobsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Restart a failed job from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{sharedQueue: true}, func(runCtx context.Context, a *app) error {
				job, err := a.jobs.Retry(runCtx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s requeued (retry %d)\n", job.ID, job.RetryCount)
				return nil
			})
		},
	}
}

func newJobsResumeCommand(ctx *commandContext) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a failed job from images, tts or render",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := domain.ParseStage(strings.TrimSpace(from))
			if !ok || !stage.Resumable() {
				return fmt.Errorf("--from must be images, tts or render, got %q", from)
			}
			return ctx.withApp(cmd, appOptions{sharedQueue: true}, func(runCtx context.Context, a *app) error {
				job, err := a.jobs.Resume(runCtx, args[0], stage)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s resuming from %s (retry %d)\n", job.ID, stage, job.RetryCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Stage to resume from (images, tts, render)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job or stop a running one after its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{}, func(runCtx context.Context, a *app) error {
				status, err := a.jobs.Cancel(runCtx, args[0])
				if err != nil {
					return err
				}
				if status == domain.JobStatusProcessing {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func newJobsRetryFailedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Requeue every failed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, appOptions{sharedQueue: true}, func(runCtx context.Context, a *app) error {
				count, err := a.jobs.RetryFailed(runCtx)
				if err != nil {
					return err
				}
				if count == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed jobs\n", count)
				return nil
			})
		},
	}
}

package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/iago/aischool-back/internal/queue"
	"github.com/spf13/cobra"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool",
		Long:  "Run only the worker pool. Several worker processes can share one Redis stream; without Redis they only see jobs enqueued in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workers
			}
			if cfg.Worker.Count <= 0 {
				return errors.New("worker count must be positive")
			}
			logger := ctx.logger

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if status := a.queue.Health(runCtx); !status.Connected || status.Backend != queue.BackendRedis {
				logger.Warnw("worker is not attached to a shared queue", "backend", status.Backend)
			}

			pool := a.newPool()
			pool.Start(runCtx, cfg.Worker.Count)
			<-runCtx.Done()
			logger.Infow("shutdown signal received, waiting for in-flight jobs")
			pool.Stop()
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Override worker.count")
	return cmd
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/iago/aischool-back/internal/http"
	"github.com/iago/aischool-back/internal/http/handlers"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := ctx.ensureConfig()
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workers
			}
			logger := ctx.logger

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, cfg, logger, appOptions{repositoryFallback: true})
			if err != nil {
				return err
			}
			defer a.Close()

			pool := a.newPool()
			if cfg.Worker.Count > 0 {
				pool.Start(runCtx, cfg.Worker.Count)
			} else {
				logger.Infow("worker pool disabled; jobs wait for a separate worker process")
			}
			defer pool.Stop()

			api := handlers.NewAPI(a.jobs, handlers.HealthChecks{
				Database: a.repo,
				Queue:    a.queue,
				Renderer: a.remotion,
			}, cfg.Server.MaxUploadBytes(), logger)
			handler := httpserver.NewRouter(runCtx, httpserver.RouterDependencies{
				API:            api,
				Logger:         logger,
				AuthToken:      cfg.Server.AuthToken,
				CORSOrigins:    cfg.Server.CORSOrigins,
				RateLimitRPS:   cfg.Server.RateLimitRPS,
				RateLimitBurst: cfg.Server.RateLimitBurst,
				Debug:          cfg.Debug,
			})

			server := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           handler,
				ReadTimeout:       2 * time.Minute,
				ReadHeaderTimeout: 5 * time.Second,
				WriteTimeout:      10 * time.Minute,
				IdleTimeout:       60 * time.Second,
			}

			errChan := make(chan error, 1)
			go func() {
				logger.Infow("api listening", "addr", server.Addr)
				errChan <- server.ListenAndServe()
			}()

			var serveErr error
			select {
			case <-runCtx.Done():
				logger.Infow("shutdown signal received")
			case err := <-errChan:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warnw("graceful shutdown failed", "error", err)
			}
			return serveErr
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Override worker.count")
	return cmd
}

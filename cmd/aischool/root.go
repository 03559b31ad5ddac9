package main

import (
	"strings"
	"sync"

	"github.com/iago/aischool-back/internal/config"
	"github.com/iago/aischool-back/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type commandContext struct {
	configFlag *string

	once   sync.Once
	config config.Config
	err    error
	logger *zap.SugaredLogger
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.once.Do(func() {
		if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
			c.err = err
			return
		}
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			path = "config.yaml"
		}
		c.config, c.err = config.Load(path)
		if c.err == nil {
			c.logger = logging.New(c.config.Debug)
		}
	})
	return c.config, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "aischool",
		Short:         "Turns curriculum PDFs into teacher-training videos",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default config.yaml when present)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	return rootCmd
}

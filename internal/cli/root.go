// Package cli implements the agentctx command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/agentctx/internal/core"
	"github.com/NikhilSetiya/agentctx/internal/version"
	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
)

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "agentctx",
		Short:         "Context, memory and resilience core for long-running agent sessions",
		Long:          "agentctx keeps agent sessions alive across context limits: it tracks token usage, persists memory and checkpoints, prepares handoffs and degrades gracefully when dependencies fail.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./agentctx.yaml or ~/.agentctx/agentctx.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newSessionCmd(opts),
		newCheckpointsCmd(opts),
		newResumeCmd(opts),
		newMigrateCmd(opts),
	)

	return rootCmd
}

// loadConfig reads configuration honoring the persistent flags
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// openCore loads configuration and builds a Core. Callers must Close it.
func (o *rootOptions) openCore(ctx context.Context) (*core.Core, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "agentctx",
		Version:     version.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return core.New(ctx, cfg, logger)
}

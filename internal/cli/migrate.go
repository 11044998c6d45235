package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/agentctx/internal/memory"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the schema of the sqlite, postgres or mysql memory backend",
	}

	run := func(use, short string, args cobra.PositionalArgs, fn func(cmd *cobra.Command, m *memory.Migrator, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				m, err := memory.MigratorFromConfig(cfg.Memory.Store)
				if err != nil {
					return err
				}
				defer m.Close()
				return fn(cmd, m, args)
			},
		}
	}

	migrateCmd.AddCommand(
		run("up", "Apply all pending migrations", cobra.NoArgs, func(cmd *cobra.Command, m *memory.Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
		run("down", "Roll back all migrations", cobra.NoArgs, func(cmd *cobra.Command, m *memory.Migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
		run("steps <n>", "Apply n migrations up (positive) or down (negative)", cobra.ExactArgs(1), func(cmd *cobra.Command, m *memory.Migrator, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid steps argument %q", args[0])
			}
			if err := m.Steps(n); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
		run("version", "Show the applied migration version", cobra.NoArgs, func(cmd *cobra.Command, m *memory.Migrator, _ []string) error {
			return printVersion(cmd, m)
		}),
		run("force <version>", "Set the version without running migrations", cobra.ExactArgs(1), func(cmd *cobra.Command, m *memory.Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version argument %q", args[0])
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	)
	return migrateCmd
}

func printVersion(cmd *cobra.Command, m *memory.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema version %d (%s)\n", m.Dialect(), version, state)
	return err
}

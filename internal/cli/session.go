package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Start working sessions",
	}
	sessionCmd.AddCommand(newSessionStartCmd(opts))
	return sessionCmd
}

func newSessionStartCmd(opts *rootOptions) *cobra.Command {
	var steps []string
	cmd := &cobra.Command{
		Use:   "start <objective>",
		Short: "Start a session and checkpoint it so it can be resumed later",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())

			state, err := c.Sessions.StartSession(cmd.Context(), args[0], steps, "")
			if err != nil {
				return err
			}
			checkpointID, err := c.Sessions.CreateCheckpoint(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session: %s\ncheckpoint: %s\n", state.SessionID, checkpointID)
			return err
		},
	}
	cmd.Flags().StringArrayVar(&steps, "step", nil, "planned step (repeatable)")
	return cmd
}

func newCheckpointsCmd(opts *rootOptions) *cobra.Command {
	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect session checkpoints",
	}
	checkpointsCmd.AddCommand(newCheckpointsListCmd(opts))
	return checkpointsCmd
}

func newCheckpointsListCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())

			checkpoints, err := c.Sessions.ListCheckpoints(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), checkpoints)
			}
			if len(checkpoints) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints")
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECKPOINT\tSESSION\tCREATED\tENTRIES")
			for _, cp := range checkpoints {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", cp.ID, cp.SessionID, cp.CreatedAt.Format("2006-01-02 15:04:05"), len(cp.EntryIDs))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only this session's checkpoints")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print checkpoints as JSON")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resume <checkpoint-id>",
		Short: "Resume a checkpointed session once and print its continuation prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())

			if _, err := c.Sessions.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			pkg, err := c.Sessions.PrepareHandoff(cmd.Context(), c.Config.TokenBudget.HandoffMaxTokens)
			if err != nil {
				return err
			}
			// the resumed session only lives in this process; checkpoint it so
			// the next invocation can pick it up
			next, err := c.Sessions.CreateCheckpoint(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "checkpoint: %s\n", next)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), pkg)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), pkg.ContinuationPrompt())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full handoff package as JSON")
	return cmd
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/agentctx/internal/core"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show breakers, degradation level, token budget and health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())

			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			return renderStatus(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderStatus(w io.Writer, s *core.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "degradation:\t%s (%s)\n", s.DegradationLevel, s.DegradationName)
	if len(s.DisabledFeatures) > 0 {
		fmt.Fprintf(tw, "disabled:\t%s\n", strings.Join(s.DisabledFeatures, ", "))
	}
	fmt.Fprintf(tw, "budget:\t%s %d/%d tokens (%.1f%%)\n",
		s.Budget.Level, s.Budget.ActiveTokens, s.Budget.AvailableTokens, s.Budget.Usage*100)
	fmt.Fprintf(tw, "events:\t%d published, %d delivered, %d failed\n",
		s.Events.Published, s.Events.Delivered, s.Events.Failed)
	if s.Health != nil {
		fmt.Fprintf(tw, "health:\t%s\n", s.Health.Status)
		names := make([]string, 0, len(s.Health.Checks))
		for name := range s.Health.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			check := s.Health.Checks[name]
			detail := check.Message
			if check.Error != "" {
				detail = check.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, check.Status, detail)
		}
	}
	if len(s.Breakers) == 0 {
		fmt.Fprintf(tw, "breakers:\tnone\n")
	} else {
		fmt.Fprintf(tw, "breakers:\n")
		for _, b := range s.Breakers {
			fmt.Fprintf(tw, "  %s\t%s\tfailures=%d\n", b.Name, b.StateName, b.FailureCount)
		}
	}
	if s.Session != nil {
		fmt.Fprintf(tw, "session:\t%s %s %.0f%%\n", s.Session.SessionID, s.Session.Status, s.Session.ProgressPercentage)
	}
	return tw.Flush()
}

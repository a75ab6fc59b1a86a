package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the counters of a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Buffered:\t%d\n", s.BufferLen)
			fmt.Fprintf(w, "In flight:\t%d\n", s.InFlight)
			fmt.Fprintf(w, "Plugins:\t%d\n", s.PluginCount)
			if len(s.DisabledPlugins) > 0 {
				fmt.Fprintf(w, "Disabled:\t%s\n", strings.Join(s.DisabledPlugins, ", "))
			}
			fmt.Fprintf(w, "Processed:\t%d\n", s.EventsProcessed)
			fmt.Fprintf(w, "Allowed:\t%d\n", s.EventsAllowed)
			fmt.Fprintf(w, "Dropped:\t%d\n", s.EventsDropped)
			fmt.Fprintf(w, "Failed:\t%d\n", s.TasksFailed)
			fmt.Fprintf(w, "Timed out:\t%d\n", s.TasksTimedOut)
			fmt.Fprintf(w, "Reloads:\t%d (%d failed)\n", s.Reloads, s.ReloadFailures)
			return w.Flush()
		},
	}
}

package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPluginsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins of a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.client().Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "no plugins loaded")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tPRIORITY\tHASH\tSTATE\tLOADED")
			for _, p := range list {
				state := "active"
				if p.Disabled {
					state = "disabled"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					p.Name, p.Version, p.Priority, shortHash(p.Hash), state, p.LoadedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/zenith/pkg/plugins"
)

func newInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the identity, imports and exports of a plugin module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checked, errs := checkFiles(cmd.Context(), args)
			if err := errs[args[0]]; err != nil {
				return err
			}
			c := checked[0]

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Name:\t%s\n", plugins.ResolveName(c.opts.Name, c.module))
			if c.module.CustomName != "" {
				fmt.Fprintf(w, "Embedded name:\t%s\n", c.module.CustomName)
			}
			if c.opts.Version != "" {
				fmt.Fprintf(w, "Manifest version:\t%s\n", c.opts.Version)
			}
			fmt.Fprintf(w, "Priority:\t%s\n", c.opts.Priority)
			fmt.Fprintf(w, "Hash:\t%s\n", c.module.Hash)
			fmt.Fprintf(w, "Size:\t%d bytes\n", c.module.Size)
			for _, imp := range c.module.Imports {
				fmt.Fprintf(w, "Import:\t%s\n", imp)
			}
			for _, exp := range c.module.Exports {
				fmt.Fprintf(w, "Export:\t%s\n", exp)
			}
			return w.Flush()
		},
	}
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newLoadCommand(a *app) *cobra.Command {
	var p LoadParams
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Load or hot-reload a plugin on a running engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plugin: %w", err)
			}
			view, err := a.client().Load(cmd.Context(), bytecode, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "loaded %s %s (%s, %s)\n", view.Name, view.Version, view.Priority, shortHash(view.Hash))
			return nil
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "Plugin name (defaults to the name embedded in the module)")
	cmd.Flags().StringVar(&p.Version, "version", "", "Version label")
	cmd.Flags().StringVar(&p.Priority, "priority", "", "Lowest priority tasks run at: low, normal, high or critical")
	cmd.Flags().StringVar(&p.Entrypoint, "entrypoint", "", "Exported function called per event")
	return cmd
}

func newUnloadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <name>",
		Short: "Unload a plugin from a running engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().Unload(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "unloaded %s\n", args[0])
			return nil
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

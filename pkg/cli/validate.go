package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/zenith/pkg/config"
	"github.com/platinummonkey/zenith/pkg/hostcall"
	"github.com/platinummonkey/zenith/pkg/plugins"
	"github.com/platinummonkey/zenith/pkg/sandbox"
	"github.com/platinummonkey/zenith/pkg/vm"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate plugin modules without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), a, args)
		},
	}
}

// checkedModule is a validated file together with its manifest options.
type checkedModule struct {
	path   string
	opts   plugins.LoadOptions
	module *sandbox.ValidatedModule
}

// checkFiles validates each file the way the engine does before
// instantiation. Files that fail are reported in errs by path.
func checkFiles(ctx context.Context, paths []string) ([]checkedModule, map[string]error) {
	if ctx == nil {
		ctx = context.Background()
	}
	validator := sandbox.NewValidator(ctx, sandbox.ValidatorConfig{
		MaxModuleSize:  config.Default().Sandbox.MaxModuleSize,
		AllowedImports: hostcall.Surface(),
	})
	defer validator.Close(ctx)

	var checked []checkedModule
	errs := make(map[string]error)
	for _, path := range paths {
		bytecode, opts, err := plugins.ReadFile(path)
		if err != nil {
			errs[path] = err
			continue
		}
		module, err := validator.Validate(ctx, bytecode)
		if err != nil {
			errs[path] = err
			continue
		}
		checked = append(checked, checkedModule{path: path, opts: opts, module: module})
	}
	return checked, errs
}

func runValidate(ctx context.Context, a *app, paths []string) error {
	checked, errs := checkFiles(ctx, paths)
	for _, c := range checked {
		entry := c.opts.Entrypoint
		if entry == "" {
			entry = vm.EntryPoint
		}
		note := ""
		if !c.module.HasExport(entry) {
			note = fmt.Sprintf(" (warning: no %s export)", entry)
		}
		fmt.Fprintf(a.out, "ok      %s%s\n", c.path, note)
	}
	for _, path := range paths {
		if err, ok := errs[path]; ok {
			fmt.Fprintf(a.out, "invalid %s: %v\n", path, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d modules invalid", len(errs), len(paths))
	}
	return nil
}

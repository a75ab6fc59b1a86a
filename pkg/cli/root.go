package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// DefaultAPI is the admin API address used when neither --api nor
// ZENITH_API is set.
const DefaultAPI = "http://localhost:8080"

type app struct {
	api string
	out io.Writer
}

func (a *app) client() *Client {
	return NewClient(a.api)
}

// NewRootCommand creates the zenithctl command tree writing to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}
	api := os.Getenv("ZENITH_API")
	if api == "" {
		api = DefaultAPI
	}

	root := &cobra.Command{
		Use:           "zenithctl",
		Short:         "Zenith - sandboxed WASM plugin runtime CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.api, "api", api, "Admin API address")

	root.AddCommand(
		newValidateCommand(a),
		newInspectCommand(a),
		newLoadCommand(a),
		newUnloadCommand(a),
		newPluginsCommand(a),
		newStatsCommand(a),
		newSubmitCommand(a),
	)
	return root
}

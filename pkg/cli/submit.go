package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/scheduler"
)

func newSubmitCommand(a *app) *cobra.Command {
	var (
		ev       events.Event
		priority string
		payload  string
		metadata map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one event to a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := scheduler.ParsePriority(priority)
			if err != nil {
				return err
			}
			ev.Priority = p
			if payload != "" {
				ev.Payload = []byte(payload)
			}
			ev.Metadata = metadata

			resp, err := a.client().Submit(cmd.Context(), &ev)
			if err != nil {
				return err
			}
			for _, t := range resp.Tasks {
				fmt.Fprintf(a.out, "%s\t%s\t%s\n", t.ID, t.Plugin, t.Priority)
			}
			return nil
		},
	}
	cmd.Flags().Int32Var(&ev.SourceID, "source", 0, "Source ID")
	cmd.Flags().Int64Var(&ev.SeqNo, "seq", 0, "Sequence number")
	cmd.Flags().StringVar(&ev.Target, "target", "", "Deliver to this plugin only")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or critical")
	cmd.Flags().StringVar(&payload, "payload", "", "Event payload")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata entries as key=value")
	return cmd
}

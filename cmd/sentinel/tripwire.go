package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"sentinel/pkg/agent"
	"sentinel/pkg/deadline"
)

var tripwireCmd = &cobra.Command{
	Use:   "tripwire",
	Short: "Inspect the dead man's switch",
}

var tripwireStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted tripwire state as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, logger, err := loadSettings()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		store, _, err := agent.OpenStore(ctx, s.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		// Status only reads the record; no timer is scheduled.
		tw := deadline.NewTripwire(store, nil, deadline.WithTripwireLogger(logger.Named("tripwire")))
		st, err := tw.Status(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	tripwireCmd.AddCommand(tripwireStatusCmd)
	rootCmd.AddCommand(tripwireCmd)
}

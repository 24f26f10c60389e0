package main

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent: API server, watchdog, tripwire and threat analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, cleanup, err := buildAgent(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

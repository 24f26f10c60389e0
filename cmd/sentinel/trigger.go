package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sentinel/pkg/incident"
)

var triggerTimeout time.Duration

var triggerCmd = &cobra.Command{
	Use:   "trigger <reason> <severity>",
	Short: "Fire one incident and wait for its response to finish",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sev, err := incident.ParseSeverity(args[1])
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, cleanup, err := buildAgent(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if !a.Gate.Fire(ctx, args[0], sev) {
			fmt.Fprintln(cmd.OutOrStdout(), "suppressed: same reason fired within the cooldown window")
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, triggerTimeout)
		defer cancel()
		if err := a.Orchestrator.Drain(waitCtx); err != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancelShutdown()
			_ = a.Orchestrator.Shutdown(shutdownCtx)
			return err
		}

		entries, err := a.Events.Entries(ctx)
		if err != nil {
			return err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			fmt.Fprintln(cmd.OutOrStdout(), entries[i])
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().DurationVar(&triggerTimeout, "timeout", 11*time.Minute, "maximum time to wait for the response")
	rootCmd.AddCommand(triggerCmd)
}

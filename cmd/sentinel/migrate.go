package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sentinel/pkg/agent"
	"sentinel/pkg/kvstore"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back) the Postgres state schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := loadSettings()
		if err != nil {
			return err
		}
		if s.Store.Backend != "postgres" {
			return errors.New("migrate requires store.backend: postgres")
		}
		ctx, stop := signalContext()
		defer stop()

		if !migrateDown {
			ps, err := agent.OpenPostgres(ctx, s.Store)
			if err != nil {
				return err
			}
			defer ps.Close()
			mg, err := kvstore.NewMigrator(ps.DB(), s.Store.PostgresDB)
			if err != nil {
				return err
			}
			v, dirty, err := mg.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		}

		ps, err := kvstore.OpenPostgres(ctx, kvstore.PostgresConfig{DSN: s.Store.PostgresDSN})
		if err != nil {
			return err
		}
		defer ps.Close()
		mg, err := kvstore.NewMigrator(ps.DB(), s.Store.PostgresDB)
		if err != nil {
			return err
		}
		if err := mg.Down(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema rolled back")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every migration")
	rootCmd.AddCommand(migrateCmd)
}

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inbox_hooks/internal/db"
	"github.com/austindbirch/inbox_hooks/internal/store/postgres"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return errors.New("migrate requires store=postgres")
			}
			pool, err := db.Connect(cmd.Context(), cfg.DSN(), db.Options{MaxConns: 2})
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			log.Plain().Info("schema up to date")
			return nil
		},
	}
}

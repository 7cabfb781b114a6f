package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the flights schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(a.cfg.Postgres.DSN) == "" {
				return fmt.Errorf("postgres.dsn is required")
			}
			flights, err := a.openFlights(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer closeFlights(a, flights)

			m, ok := flights.(migrator)
			if !ok {
				return fmt.Errorf("flights repository %T does not support migrations", flights)
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate flights schema: %w", err)
			}
			a.printf(cmd, "flights schema is up to date\n")
			return nil
		},
	}
}

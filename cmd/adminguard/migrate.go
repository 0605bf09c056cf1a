package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/adminguard/internal/errs"
	"github.com/and161185/adminguard/internal/migrate"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL ledger schema",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.init(cmd); err != nil {
				return err
			}
			if a.cfg.Postgres.DSN == "" {
				return fmt.Errorf("%w: postgres.dsn is not set", errs.ErrConfiguration)
			}
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := migrate.Up(cmd.Context(), a.cfg.Postgres.DSN); err != nil {
					return err
				}
				a.log.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate.Down(cmd.Context(), a.cfg.Postgres.DSN)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := migrate.Version(cmd.Context(), a.cfg.Postgres.DSN)
				if err != nil {
					a.log.Error("schema version", zap.Error(err))
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), v)
				return err
			},
		},
	)
	return cmd
}

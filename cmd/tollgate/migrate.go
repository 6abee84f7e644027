package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidbz/tollgate/internal/config"
	"github.com/davidbz/tollgate/internal/storage/postgres"
)

var errNoDatabase = errors.New("DATABASE_URL is not set")

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				if err := postgres.MigrateUp(url); err != nil {
					return err
				}
				cmd.Println("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				if err := postgres.MigrateDown(url); err != nil {
					return err
				}
				cmd.Println("migrations rolled back")
				return nil
			},
		},
	)
	return cmd
}

func databaseURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return "", errNoDatabase
	}
	return cfg.Database.URL, nil
}

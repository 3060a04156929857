package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowcore/migrations"
)

func newMigrateCommand(load configLoader) *cobra.Command {
	var (
		dsn  string
		down int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				cfg, err := load()
				if err != nil {
					return err
				}
				dsn = os.Getenv(cfg.Store.DSNEnv)
				if dsn == "" {
					return fmt.Errorf("--db or the %s environment variable is required", cfg.Store.DSNEnv)
				}
			}

			if down > 0 {
				if err := migrations.Down(dsn, down); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", down)
				return nil
			}

			v, err := migrations.Up(dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "db", "", "database connection string (defaults to the configured DSN environment variable)")
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/definition"
	"github.com/pitabwire/flowcore/internal/observability"
)

func newValidateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configured definition files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			files, err := loadDefinitions(cfg.Definitions, logger)
			if err != nil {
				return err
			}
			registry := definition.NewRegistry(files)
			logger.Debug("definitions validated", zap.Int("files", len(files)))
			fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d definitions, checksum %s\n",
				len(files), registry.Count(), registry.Checksum())
			return nil
		},
	}
}

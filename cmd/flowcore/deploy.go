package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/runtime"
)

func newDeployCommand(load configLoader) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "deploy FILE",
		Short: "Deploy a process definition to the runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read process definition: %w", err)
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			key, err := runtime.NewClient(cfg.Runtime, logger, nil).Deploy(cmd.Context(), runtime.DeployRequest{
				Name:          name,
				DefinitionXML: string(data),
			})
			if err != nil {
				return fmt.Errorf("deploy %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s as %s\n", name, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "deployment name (defaults to the file name)")
	return cmd
}

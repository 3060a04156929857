// Package main is the entry point for the flowcore orchestration server and
// its operational commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "flowcore",
		Short:         "Workflow orchestration core",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")

	load := func() (*config.Config, error) {
		observability.Version = version
		observability.Commit = commit
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCommand(load),
		newMigrateCommand(load),
		newDeployCommand(load),
		newValidateCommand(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

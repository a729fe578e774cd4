// Package commands implements the lumen CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lumen",
		Short: "OpenLumen - Optical Network Service Orchestrator",
		Long: `OpenLumen orchestrates the lifecycle of optical network services.

Subscriptions record the desired state of provisioned services; workflow
processes move them through provisioning, modification and termination with
a durable per-step audit trail. Every step commits atomically, so a crashed
run resumes from the last committed step instead of replaying side effects.

Features:
  - Durable workflow execution with step-level crash recovery
  - One active process per subscription, enforced in storage
  - Compensation-based abort of in-flight workflows
  - Drift detection between subscriptions and device state
  - Prometheus metrics and OpenTelemetry tracing`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newSubscriptionsCommand())
	rootCmd.AddCommand(newReconcileCommand())

	return rootCmd
}

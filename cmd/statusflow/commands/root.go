package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statusflow",
		Short: "Statusflow - change-status resource service",
		Long: `Statusflow exposes resources whose side effects are modelled as status
changes. Clients request a status through the resource representation
(PATCH or an explicit change request) and the transition engine validates
it against the resource kind's transition table, applying it synchronously
or through a tracked long-running operation.

Features:
  - Declarative per-kind transition tables, hot-reloaded from YAML
  - Synchronous and operation-tracked asynchronous transitions
  - Rego policy guards on transitions
  - SQLite persistence with crash recovery for in-flight operations
  - Prometheus metrics and OpenTelemetry tracing`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "statusflow.yaml", "config file path")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

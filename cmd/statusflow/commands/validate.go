package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statusflow/statusflow/pkg/config"
	"github.com/statusflow/statusflow/pkg/policy"
	"github.com/statusflow/statusflow/pkg/resource"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, kind definitions and policies",
		Long: `Validate the service configuration, the kind definitions it references
and any Rego policies, without starting the service.

This command checks:
  - YAML syntax and config constraints
  - Kind transition tables (unknown statuses, duplicates, self-transitions)
  - Rego policy compilation`,
		Example: `  # Validate the default config
  statusflow validate

  # Validate a specific config
  statusflow validate -c /etc/statusflow/statusflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Configuration valid")

			kinds, err := resource.LoadKindsFile(cfg.KindsFile)
			if err != nil {
				return fmt.Errorf("invalid kind definitions: %w", err)
			}
			if _, err := resource.NewRegistry(kinds...); err != nil {
				return fmt.Errorf("invalid kind definitions: %w", err)
			}
			log.Info().Int("kinds", len(kinds)).Str("file", cfg.KindsFile).Msg("Kind definitions valid")

			if cfg.PolicyDir != "" {
				policies, err := policy.LoadDir(cfg.PolicyDir)
				if err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
				if _, err := policy.NewGuard(log.Logger, policies...); err != nil {
					return fmt.Errorf("policy compilation failed: %w", err)
				}
				log.Info().Int("policies", len(policies)).Str("dir", cfg.PolicyDir).Msg("Policies valid")
			}

			return nil
		},
	}
}

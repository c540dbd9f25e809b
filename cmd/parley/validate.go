package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
)

// buildValidateCmd creates the "validate" command that checks a config
// file without starting the agent.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration file, resolve includes and environment
variables, apply defaults and check every constraint, without connecting
to anything.`,
		Example: `  # Check the default config
  parley validate

  # Check a specific file
  parley validate --config /etc/parley/agent.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
			fmt.Fprintf(out, "  agent:      %s\n", cfg.Agent.Name)
			fmt.Fprintf(out, "  provider:   %s (%s)\n", cfg.Provider.Kind, cfg.Provider.Model)
			fmt.Fprintf(out, "  bus:        %s\n", cfg.Bus.Kind)
			fmt.Fprintf(out, "  store:      %s\n", cfg.Conversations.Store)
			fmt.Fprintf(out, "  guardrails: %d input, %d output\n",
				len(cfg.Guardrails.Input), len(cfg.Guardrails.Output))
			if cfg.Human.Address != "" {
				fmt.Fprintf(out, "  human:      %s\n", cfg.Human.Address)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file")

	return cmd
}

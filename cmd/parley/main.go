// Package main provides the CLI entry point for the parley conversation agent.
//
// Parley is a message-driven agent: it receives peer messages over a bus
// (in-process or MQTT), runs each through input guardrails, a tool-calling
// model loop and output guardrails, and routes the reply back over the bus.
// Conversations are tracked per peer and thread with interaction caps,
// termination markers and idle eviction.
//
// # Basic Usage
//
// Start the agent:
//
//	parley serve --config parley.yaml
//
// Check a configuration file without starting anything:
//
//	parley validate --config parley.yaml
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key, referenced as ${ANTHROPIC_API_KEY} in config
//   - OPENAI_API_KEY: OpenAI API key, referenced the same way
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Structured logging for anything that fails before the config-driven
	// logger exists.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - conversation orchestration agent",
		Long: `Parley runs a single agent that converses with peers over a message bus.

Supported buses: in-process, MQTT
Supported model providers: Anthropic (Claude), OpenAI (GPT)
Built-in tools: add, current_time, remember, recall, remind, ask_human`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parley %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// defaultConfigPath resolves the config file location from the environment
// with a working-directory fallback.
func defaultConfigPath() string {
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	return "parley.yaml"
}

// Package main provides the agent0 server and its admin commands.
//
// # Basic Usage
//
// Start the run API:
//
//	agent0 serve --config agent0.yaml
//
// Apply database migrations:
//
//	agent0 migrate up
//
// Seal a provider credential for storage:
//
//	echo -n '{"api_key":"sk-..."}' | agent0 vault encrypt
//
// # Environment Variables
//
//   - AGENT0_CONFIG: path to the configuration file (default: agent0.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "agent0.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agent0",
		Short: "agent0 - agent run orchestration API",
		Long: `agent0 executes deployed agent versions against model providers and
MCP tool servers, streaming results over SSE and recording every run.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVaultCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit flag, then AGENT0_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENT0_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "", "Path to YAML or JSON5 configuration file (default: $AGENT0_CONFIG or agent0.yaml)")
}

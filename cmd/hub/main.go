// Package main provides the CLI entry point for the Hub multi-tenant
// voice-assistant server.
//
// Hub mediates between registered Users, their Devices ("Spokes"), the
// Skills each Spoke exposes, and an ordered LLM provider chain, running
// the agent loop that ties a chat turn to zero or more cross-device tool
// calls.
//
// # Basic Usage
//
// Start the server:
//
//	hub serve --config hub.yaml
//
// Apply database migrations:
//
//	hub migrate --config hub.yaml
//
// # Environment Variables
//
// hub.yaml may reference environment variables with ${VAR} syntax; in
// particular HUB_JWT_SECRET and each provider's *_API_KEY are expected to
// come from the environment rather than the checked-in config file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "hub",
		Short:   "Hub - multi-tenant voice-assistant server",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Long: `Hub mediates between Users, their Devices ("Spokes"), the Skills each
Spoke exposes, and an LLM provider chain.

Supported LLM providers: OpenAI, Anthropic, local (Ollama-compatible).`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildMigrateCmd())
	return rootCmd
}

// exitCodeFor maps a fatal top-level error to the process exit codes of
// spec.md §6: 0 on a clean shutdown (never reaches here - os.Exit(0) is
// implicit), 1 on a configuration error, 2 if the server could not bind
// its listen address.
func exitCodeFor(err error) int {
	if _, ok := err.(*bindError); ok {
		return 2
	}
	return 1
}

// bindError marks a failure to acquire the configured listen address so
// exitCodeFor can tell it apart from a configuration error.
type bindError struct{ cause error }

func (e *bindError) Error() string { return fmt.Sprintf("bind listen address: %v", e.cause) }
func (e *bindError) Unwrap() error { return e.cause }

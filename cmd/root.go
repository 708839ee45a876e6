// Package cmd provides the quill CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE chat streaming
//   - migrate: apply pending database migrations and exit
//   - version: show version information
//
// All long-running commands handle SIGINT/SIGTERM via context
// cancellation and shut down gracefully.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillchat/quill/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - streaming conversation backend",
	Long: `Quill is a chat backend that streams model responses token by token
while durably persisting the conversation. Start it with "quill serve".`,
	SilenceUsage: true,
}

// Execute runs the root command. It is the only entry point main calls.
func Execute() error {
	// Install the configured logger as the slog default before any
	// subcommand runs.
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{
		Level: level,
		JSON:  os.Getenv("QUILL_LOG_JSON") != "",
	}))

	return rootCmd.Execute()
}

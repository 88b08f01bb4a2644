// OpenHands runtime orchestrator — session and sandbox lifecycle service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "openhands",
	Short: "OpenHands runtime orchestrator for agent sandbox sessions.",
	Long: `The OpenHands runtime orchestrator manages agent sessions end to end:
it resolves runtime configuration, provisions per-session workspaces, launches
and supervises sandbox processes, activates plugins, and exposes the whole
lifecycle over an HTTP and WebSocket API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// Package cmd wires the broker's cobra command tree: a thin rootCmd that
// exists to host subcommands registered from their own files' init().
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the execution broker",
	Long: `broker supervises harness CLIs (Claude Code, Codex), PTYs, and
detached processes on behalf of a UI client connected over a local
WebSocket RPC channel.`,
}

// Execute runs the command tree, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package cmd

import (
	"github.com/spf13/cobra"
)

// addServeFlags wires the flags runServe reads: the host/port/token/
// allow-no-auth/cors-origin set plus the broker-specific release and
// tool-server-debug additions.
func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Bind host")
	cmd.Flags().IntVar(&servePort, "port", 8080, "Bind port")
	cmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for RPC auth (auto-generated if omitted)")
	cmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback host)")
	cmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed client origin (repeatable)")
	cmd.Flags().BoolVar(&serveRelease, "release", false, "Release mode: also allow file:// and null origins")
	cmd.Flags().BoolVar(&serveToolServerDebug, "tool-server-debug", false, "Verbose logging for the in-process MCP tool server")
	cmd.Flags().StringVar(&serveStateDir, "state-dir", "", "Override on-disk state directory (device id, execution history)")
}

// Package mcpclient implements code:mcp:testConnection: dial a
// user-configured MCP server (stdio or HTTP) just long enough to list its
// tools, then disconnect. Grounded on internal/mcp/client.go's Client (same
// mcp.NewClient/mcp.CommandTransport/ListTools sequence), trimmed to a
// single probe instead of a long-lived managed connection.
package mcpclient

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openade/broker/internal/harness"
)

// TestTimeout bounds how long a connection probe may take.
const TestTimeout = 20 * time.Second

// ToolInfo is one tool the probed server advertises.
type ToolInfo struct {
	Name        string
	Description string
}

// TestResult is the outcome of a testConnection probe.
type TestResult struct {
	OK    bool
	Tools []ToolInfo
	Error string
}

// TestConnection dials cfg, lists its tools, and disconnects. It never
// returns a Go error: failures are reported in TestResult.Error so the RPC
// handler can forward them to the UI as a normal (not exceptional) result.
func TestConnection(ctx context.Context, cfg harness.MCPServerConfig) TestResult {
	ctx, cancel := context.WithTimeout(ctx, TestTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "openade-broker", Version: "1.0.0"}, nil)

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return TestResult{Error: fmt.Sprintf("connect: %v", err)}
	}
	defer session.Close()

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		return TestResult{Error: fmt.Sprintf("list tools: %v", err)}
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description})
	}
	return TestResult{OK: true, Tools: tools}
}

func buildTransport(ctx context.Context, cfg harness.MCPServerConfig) (mcp.Transport, error) {
	if cfg.URL != "" {
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL}, nil
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server config has neither url nor command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

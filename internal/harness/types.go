// Package harness implements Component D: per-vendor CLI adapters that
// translate a normalized query into a concrete invocation of the Claude Code
// or Codex binary, and parse that binary's JSONL stream back into the
// broker's unified envelope shape. Grounded on ClaudeBinProvider in
// internal/llm/claude_bin.go (argv building, JSONL dispatch, MCP config
// wiring); the Codex adapter has no similarly close source, since its
// closest analogue drives the ChatGPT backend API directly rather than
// shelling out to the local `codex` binary.
package harness

import (
	"context"
	"encoding/json"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/mcpserver"
)

// Mode controls how much autonomy the CLI is granted over the workspace.
type Mode string

const (
	ModeReadOnly Mode = "read-only"
	ModeYOLO     Mode = "yolo"
)

// Thinking selects a reasoning-effort tier, translated per-vendor.
type Thinking string

const (
	ThinkingLow  Thinking = "low"
	ThinkingMed  Thinking = "med"
	ThinkingHigh Thinking = "high"
)

// PromptPart is one segment of a (possibly multi-modal) prompt.
type PromptPart struct {
	Type string `json:"type"` // "text" | "image"
	Text string `json:"text,omitempty"`
	// Base64 holds inline image data when Type == "image".
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Query is the normalized input every harness implementation accepts,
// mirroring its HarnessQuery.
type Query struct {
	Prompt               []PromptPart
	Cwd                  string
	Mode                 Mode
	SystemPrompt         string
	AppendSystemPrompt   string
	Model                string
	// ForceSubagentModel pins subagents to Model too, rather than letting the
	// CLI pick its own subagent default.
	ForceSubagentModel   bool
	Thinking             Thinking
	ResumeSessionID      string
	ForkSession          bool
	AdditionalDirs       []string
	Env                  map[string]string
	AllowedTools         []string
	DisallowedTools      []string
	MCPServers           map[string]MCPServerConfig
	ClientToolsHandle    *mcpserver.Handle
}

// MCPServerConfig is one externally-configured MCP server the harness CLI
// should be told about, in the stdio/HTTP shape from internal/mcp/config.go.
type MCPServerConfig struct {
	Type    string            `json:"type,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// InstallStatus describes whether a harness binary is usable.
type InstallStatus struct {
	Installed bool
	Version   string
	LoggedIn  bool
	Error     string
}

// Capabilities describes what a harness implementation supports.
type Capabilities struct {
	SupportsForkSession  bool
	SupportsSlashCommand bool
}

// Harness is the contract every vendor adapter implements.
type Harness interface {
	ID() string
	Capabilities() Capabilities
	CheckInstallStatus(ctx context.Context) InstallStatus
	DiscoverSlashCommands(ctx context.Context, cwd string) ([]string, error)
	// Query starts the CLI and streams unified envelopes until the run
	// terminates or ctx is cancelled. The returned channel is always closed.
	Query(ctx context.Context, q Query) <-chan envelope.Envelope
}

// rawEnvelope is a convenience for wrapping a harness-native JSON line.
func rawEnvelope(v any) envelope.Envelope {
	b, err := json.Marshal(v)
	if err != nil {
		return envelope.Error(envelope.ErrUnknown, "failed to encode raw message: "+err.Error())
	}
	return envelope.RawMessage(b)
}

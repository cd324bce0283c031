package harness

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/jsonl"
	"github.com/openade/broker/internal/subprocess"
)

// claudeLine is the closed discriminated union (on "type", and "subtype" for
// "system" lines) emitted by `claude --output-format stream-json`. Unknown
// variants pass through Raw untouched so CLI upgrades never break decoding,
// by design.
type claudeLine struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Raw     json.RawMessage `json:"-"`

	// system/init
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// result
	IsError      bool             `json:"is_error,omitempty"`
	Result       string           `json:"result,omitempty"`
	Usage        *claudeUsage     `json:"usage,omitempty"`
	TotalCostUSD float64          `json:"total_cost_usd,omitempty"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ClaudeHarness drives the `claude` CLI.
type ClaudeHarness struct {
	runner *subprocess.Runner
	// binOverride, when non-empty, is used in place of the "claude" PATH
	// lookup, per its per-harness binary override.
	binOverride string
}

// NewClaudeHarness creates a harness bound to the given subprocess runner
// (so login-shell PATH capture and global env overrides are shared with
// every other supervised process).
func NewClaudeHarness(runner *subprocess.Runner) *ClaudeHarness {
	return &ClaudeHarness{runner: runner}
}

// WithBinary returns a copy of h that invokes binPath instead of resolving
// "claude" from PATH.
func (h *ClaudeHarness) WithBinary(binPath string) *ClaudeHarness {
	clone := *h
	clone.binOverride = binPath
	return &clone
}

func (h *ClaudeHarness) binary() string {
	if h.binOverride != "" {
		return h.binOverride
	}
	return "claude"
}

func (h *ClaudeHarness) ID() string { return "claude-code" }

func (h *ClaudeHarness) Capabilities() Capabilities {
	return Capabilities{SupportsForkSession: true, SupportsSlashCommand: true}
}

// CheckInstallStatus resolves the binary, runs --version, and (when
// possible) probes auth state, per its install-status contract.
func (h *ClaudeHarness) CheckInstallStatus(ctx context.Context) InstallStatus {
	if h.binOverride == "" {
		if _, err := resolveBinary("claude"); err != nil {
			return InstallStatus{Installed: false, Error: "not_installed"}
		}
	}
	res := h.runner.Run(ctx, h.binary(), []string{"--version"}, subprocess.Options{Timeout: 15 * time.Second})
	if !res.Success {
		return InstallStatus{Installed: true, Error: "version probe failed"}
	}
	status := InstallStatus{Installed: true, Version: strings.TrimSpace(res.Stdout)}
	if expiresAt, ok := claudeCredentialExpiry(); ok {
		status.LoggedIn = time.Now().Before(expiresAt)
	} else {
		status.LoggedIn = probeClaudeAuth(ctx, h.binary())
	}
	return status
}

// probeClaudeAuth runs a throwaway invocation that aborts the instant a
// system:init line arrives, reporting true if one arrived and false
// otherwise. Stderr and result lines are not inspected for auth-failure
// markers.
func probeClaudeAuth(ctx context.Context, bin string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	events := jsonl.Stream(probeCtx, jsonl.Spec[claudeLine]{
		Cmd:   bin,
		Args:  []string{"--print", "--output-format", "stream-json", "--verbose", "--max-turns", "1"},
		Stdin: []byte("ping"),
		Parse: parseClaudeLine,
	})
	for ev := range events {
		if ev.Kind == jsonl.EventRaw && ev.Message.Type == "system" && ev.Message.Subtype == "init" {
			cancel()
			return true
		}
	}
	return false
}

// DiscoverSlashCommands runs the same probe and extracts slash_commands from
// the init line; Codex has no analogue.
func (h *ClaudeHarness) DiscoverSlashCommands(ctx context.Context, cwd string) ([]string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	events := jsonl.Stream(probeCtx, jsonl.Spec[claudeLine]{
		Cmd:   h.binary(),
		Args:  []string{"--print", "--output-format", "stream-json", "--verbose", "--max-turns", "1"},
		Cwd:   cwd,
		Stdin: []byte("ping"),
		Parse: parseClaudeLine,
	})
	var commands []string
	for ev := range events {
		if ev.Kind == jsonl.EventRaw && ev.Message.Type == "system" && ev.Message.Subtype == "init" {
			var initLine struct {
				SlashCommands []string `json:"slash_commands"`
			}
			if err := json.Unmarshal(ev.Message.Raw, &initLine); err == nil {
				commands = initLine.SlashCommands
			}
			cancel()
		}
	}
	return commands, nil
}

func parseClaudeLine(line []byte) ([]claudeLine, error) {
	var l claudeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, err
	}
	l.Raw = append([]byte(nil), line...)
	return []claudeLine{l}, nil
}

// Query implements the Claude translation table.
func (h *ClaudeHarness) Query(ctx context.Context, q Query) <-chan envelope.Envelope {
	out := make(chan envelope.Envelope, 64)

	go func() {
		defer close(out)

		args := []string{
			"--print",
			"--output-format", "stream-json",
			"--verbose",
			"--setting-sources", "user",
		}

		switch q.Mode {
		case ModeYOLO:
			args = append(args, "--dangerously-skip-permissions")
		case ModeReadOnly:
			args = append(args, "--permission-mode", "plan")
		}

		if q.SystemPrompt != "" {
			args = append(args, "--system-prompt", q.SystemPrompt)
		}
		if q.AppendSystemPrompt != "" {
			args = append(args, "--append-system-prompt", q.AppendSystemPrompt)
		}
		if q.Model != "" {
			args = append(args, "--model", q.Model)
		}
		switch q.Thinking {
		case ThinkingLow:
			args = append(args, "--effort", "low", "--max-thinking-tokens", "3000")
		case ThinkingMed:
			args = append(args, "--effort", "medium", "--max-thinking-tokens", "5000")
		case ThinkingHigh:
			args = append(args, "--effort", "high", "--max-thinking-tokens", "10000")
		}
		if q.ResumeSessionID != "" {
			args = append(args, "--resume", q.ResumeSessionID)
			if q.ForkSession {
				args = append(args, "--fork-session")
			}
		}
		for _, dir := range q.AdditionalDirs {
			args = append(args, "--add-dir", dir)
		}
		if len(q.AllowedTools) > 0 {
			args = append(args, "--allowed-tools", strings.Join(q.AllowedTools, ","))
		}
		if len(q.DisallowedTools) > 0 {
			args = append(args, "--disallowed-tools", strings.Join(q.DisallowedTools, ","))
		}

		var mcpConfigPath string
		if len(q.MCPServers) > 0 || q.ClientToolsHandle != nil {
			path, cleanup, err := writeClaudeMCPConfig(q)
			if err != nil {
				out <- envelope.Error(envelope.ErrUnknown, fmt.Sprintf("mcp config: %v", err))
				return
			}
			defer cleanup()
			mcpConfigPath = path
			args = append(args, "--mcp-config", mcpConfigPath, "--strict-mcp-config")
		}

		prompt, imageCleanup, err := renderClaudePrompt(q.Prompt)
		if err != nil {
			out <- envelope.Error(envelope.ErrUnknown, fmt.Sprintf("prompt: %v", err))
			return
		}
		defer imageCleanup()

		env := os.Environ()
		env = append(env, "DISABLE_TELEMETRY=1", "DISABLE_ERROR_REPORTING=1")
		if q.ForceSubagentModel && q.Model != "" {
			env = append(env, "CLAUDE_CODE_SUBAGENT_MODEL="+q.Model, "ANTHROPIC_DEFAULT_SUBAGENT_MODEL="+q.Model)
		}
		for k, v := range q.Env {
			env = append(env, k+"="+v)
		}

		started := time.Now()
		var sawSession bool
		events := jsonl.Stream(ctx, jsonl.Spec[claudeLine]{
			Cmd:   h.binary(),
			Args:  args,
			Env:   env,
			Cwd:   q.Cwd,
			Stdin: []byte(prompt),
			Parse: parseClaudeLine,
		})

		for ev := range events {
			switch ev.Kind {
			case jsonl.EventStderr:
				out <- envelope.Stderr(ev.Stderr)
			case jsonl.EventRaw:
				msg := ev.Message
				if msg.Type == "system" && msg.Subtype == "init" && !sawSession {
					sawSession = true
					out <- envelope.SessionStarted(msg.SessionID)
				}
				if msg.Type == "result" {
					if msg.IsError {
						out <- envelope.Error(classifyClaudeError(msg.Result), msg.Result)
					} else {
						out <- envelope.Complete(&envelope.Usage{
							InputTokens:      msg.Usage.InputTokens,
							OutputTokens:     msg.Usage.OutputTokens,
							CacheReadTokens:  msg.Usage.CacheReadInputTokens,
							CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
							CostUSD:          msg.TotalCostUSD,
							DurationMs:       time.Since(started).Milliseconds(),
						})
					}
					continue
				}
				out <- rawEnvelope(msg.Raw)
			case jsonl.EventDone:
				if ev.Err != nil {
					if ctx.Err() != nil {
						out <- envelope.Error(envelope.ErrAborted, "aborted")
					} else {
						out <- envelope.Error(envelope.ErrProcessCrashed, ev.Err.Error())
					}
				}
			}
		}
	}()

	return out
}

func classifyClaudeError(msg string) envelope.ErrorCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not logged in"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return envelope.ErrAuthFailed
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "usage limit"):
		return envelope.ErrRateLimited
	case strings.Contains(lower, "context") && strings.Contains(lower, "too long"):
		return envelope.ErrContextOverflow
	default:
		return envelope.ErrUnknown
	}
}

// renderClaudePrompt flattens multi-modal prompt parts into a single text
// blob, inlining each image as a "[image: data:<mime>;base64,...]" text line
// (no structured image content blocks are produced), and returns a cleanup
// for any temp resources (none for Claude: images are inlined, not
// file-based).
func renderClaudePrompt(parts []PromptPart) (string, func(), error) {
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "image":
			sb.WriteString(fmt.Sprintf("[image: data:%s;base64,%s]\n", p.MimeType, p.Base64))
		default:
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String(), func() {}, nil
}

// writeClaudeMCPConfig serializes external MCP servers plus the client-tools
// handle into the `{mcpServers: {...}}` temp file, passed
// via --mcp-config and removed once the run ends.
func writeClaudeMCPConfig(q Query) (string, func(), error) {
	servers := map[string]any{}
	for name, cfg := range q.MCPServers {
		servers[name] = cfg
	}
	if q.ClientToolsHandle != nil {
		servers["client-tools"] = q.ClientToolsHandle.ServerConfig()
	}

	payload, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", func() {}, err
	}

	tmp, err := os.CreateTemp("", "broker-mcp-*.json")
	if err != nil {
		return "", func() {}, err
	}
	path := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(path)
		return "", func() {}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return "", func() {}, err
	}
	return path, func() { os.Remove(path) }, nil
}

// resolveBinary resolves name via PATH plus common install directories, per
// its install-status allow-list requirement.
func resolveBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	home, _ := os.UserHomeDir()
	candidates := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		filepath.Join(home, ".local", "bin"),
	}
	for _, dir := range candidates {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: not found", name)
}

// imageToTempFile writes base64 image data to a temp file for harnesses
// (Codex) that take image input via a path rather than inline content.
func imageToTempFile(p PromptPart) (string, error) {
	data, err := base64.StdEncoding.DecodeString(p.Base64)
	if err != nil {
		return "", err
	}
	ext := ".png"
	if p.MimeType == "image/jpeg" {
		ext = ".jpg"
	}
	tmp, err := os.CreateTemp("", "broker-img-*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

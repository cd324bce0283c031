package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/jsonl"
	"github.com/openade/broker/internal/subprocess"
)

// codexLine is the closed (but intentionally extensible) union of `codex exec
// --json` event types. Codex's full variant set isn't exhaustively
// documented upstream, so unknown Type values still decode and are carried
// through as a generic raw_message rather than rejected.
type codexLine struct {
	Type    string          `json:"type"`
	Raw     json.RawMessage `json:"-"`

	SessionID string `json:"session_id,omitempty"`

	// turn.completed / turn.failed
	Error string `json:"error,omitempty"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// CodexHarness drives the `codex` CLI.
type CodexHarness struct {
	runner *subprocess.Runner
	// binOverride, when non-empty, is used in place of the "codex" PATH
	// lookup, per its per-harness binary override.
	binOverride string
}

// NewCodexHarness creates a harness bound to the shared subprocess runner.
func NewCodexHarness(runner *subprocess.Runner) *CodexHarness {
	return &CodexHarness{runner: runner}
}

// WithBinary returns a copy of h that invokes binPath instead of resolving
// "codex" from PATH.
func (h *CodexHarness) WithBinary(binPath string) *CodexHarness {
	clone := *h
	clone.binOverride = binPath
	return &clone
}

func (h *CodexHarness) binary() string {
	if h.binOverride != "" {
		return h.binOverride
	}
	return "codex"
}

func (h *CodexHarness) ID() string { return "codex" }

func (h *CodexHarness) Capabilities() Capabilities {
	return Capabilities{SupportsForkSession: false, SupportsSlashCommand: false}
}

func (h *CodexHarness) CheckInstallStatus(ctx context.Context) InstallStatus {
	res := h.runner.Run(ctx, h.binary(), []string{"--version"}, subprocess.Options{Timeout: 15 * time.Second})
	if res.NotFound {
		return InstallStatus{Installed: false, Error: "not_installed"}
	}
	if !res.Success {
		return InstallStatus{Installed: true, Error: "version probe failed"}
	}
	status := InstallStatus{Installed: true, Version: strings.TrimSpace(res.Stdout)}

	if codexHasLocalCredentials() {
		status.LoggedIn = true
		return status
	}
	loginRes := h.runner.Run(ctx, h.binary(), []string{"login", "status"}, subprocess.Options{Timeout: 15 * time.Second})
	status.LoggedIn = loginRes.Success && loginRes.ExitCode == 0
	return status
}

// DiscoverSlashCommands: Codex has no analogue.
func (h *CodexHarness) DiscoverSlashCommands(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}

func parseCodexLine(line []byte) ([]codexLine, error) {
	var l codexLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, err
	}
	l.Raw = append([]byte(nil), line...)
	return []codexLine{l}, nil
}

// Query implements the Codex translation table.
func (h *CodexHarness) Query(ctx context.Context, q Query) <-chan envelope.Envelope {
	out := make(chan envelope.Envelope, 64)

	go func() {
		defer close(out)

		var rootArgs []string
		var execArgs []string

		switch q.Mode {
		case ModeYOLO:
			rootArgs = append(rootArgs, "--full-auto")
		case ModeReadOnly:
			rootArgs = append(rootArgs, "-a", "on-request")
			execArgs = append(execArgs, "--sandbox", "read-only")
		}
		if q.Model != "" {
			rootArgs = append(rootArgs, "-m", q.Model)
		}
		switch q.Thinking {
		case ThinkingLow:
			rootArgs = append(rootArgs, "-c", "model_reasoning_effort=low")
		case ThinkingMed:
			rootArgs = append(rootArgs, "-c", "model_reasoning_effort=medium")
		case ThinkingHigh:
			rootArgs = append(rootArgs, "-c", "model_reasoning_effort=xhigh")
		}
		for _, dir := range q.AdditionalDirs {
			rootArgs = append(rootArgs, "--add-dir", dir)
		}
		if q.Cwd != "" {
			rootArgs = append(rootArgs, "-C", q.Cwd)
		}
		if q.ForkSession {
			out <- envelope.Stderr("fork-session is unsupported in codex exec --json mode; ignoring")
		}

		var envOverrides map[string]string
		if len(q.MCPServers) > 0 || q.ClientToolsHandle != nil {
			args, ov := codexMCPArgs(q)
			rootArgs = append(rootArgs, args...)
			envOverrides = ov
		}

		verb := []string{"exec"}
		if q.ResumeSessionID != "" {
			verb = []string{"exec", "resume", q.ResumeSessionID}
		}
		execArgs = append(execArgs, "--json")

		var imagePaths []string
		prompt, err := renderCodexPrompt(q, &imagePaths)
		if err != nil {
			out <- envelope.Error(envelope.ErrUnknown, fmt.Sprintf("prompt: %v", err))
			return
		}
		defer func() {
			for _, p := range imagePaths {
				os.Remove(p)
			}
		}()
		for _, p := range imagePaths {
			execArgs = append(execArgs, "-i", p)
		}

		args := append(append(append([]string{}, rootArgs...), verb...), execArgs...)

		env := os.Environ()
		env = append(env, "DISABLE_TELEMETRY=1", "DISABLE_ERROR_REPORTING=1")
		for k, v := range q.Env {
			env = append(env, k+"="+v)
		}
		for k, v := range envOverrides {
			env = append(env, k+"="+v)
		}

		started := time.Now()
		var sawSession bool
		events := jsonl.Stream(ctx, jsonl.Spec[codexLine]{
			Cmd:   h.binary(),
			Args:  args,
			Env:   env,
			Stdin: []byte(prompt),
			Parse: parseCodexLine,
		})

		for ev := range events {
			switch ev.Kind {
			case jsonl.EventStderr:
				out <- envelope.Stderr(ev.Stderr)
			case jsonl.EventRaw:
				msg := ev.Message
				if msg.SessionID != "" && !sawSession {
					sawSession = true
					out <- envelope.SessionStarted(msg.SessionID)
				}
				switch msg.Type {
				case "turn.completed":
					usage := &envelope.Usage{DurationMs: time.Since(started).Milliseconds()}
					if msg.Usage != nil {
						usage.InputTokens = msg.Usage.InputTokens
						usage.OutputTokens = msg.Usage.OutputTokens
					}
					out <- envelope.Complete(usage)
				case "turn.failed", "error":
					out <- envelope.Error(classifyCodexError(msg.Error), msg.Error)
				default:
					out <- rawEnvelope(msg.Raw)
				}
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

func classifyCodexError(msg string) envelope.ErrorCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "not logged in"):
		return envelope.ErrAuthFailed
	case strings.Contains(lower, "rate limit"):
		return envelope.ErrRateLimited
	case strings.Contains(lower, "context"):
		return envelope.ErrContextOverflow
	default:
		return envelope.ErrUnknown
	}
}

// renderCodexPrompt flattens prompt parts to text, wrapping system prompt
// content in <system-instructions> by design, and writes any image parts
// to temp files recorded in imagePaths for the caller to clean up and pass
// via repeated -i flags.
func renderCodexPrompt(q Query, imagePaths *[]string) (string, error) {
	var sb strings.Builder
	if q.SystemPrompt != "" || q.AppendSystemPrompt != "" {
		sb.WriteString("<system-instructions>\n")
		sb.WriteString(q.SystemPrompt)
		if q.AppendSystemPrompt != "" {
			sb.WriteString("\n")
			sb.WriteString(q.AppendSystemPrompt)
		}
		sb.WriteString("\n</system-instructions>\n")
	}
	for _, p := range q.Prompt {
		switch p.Type {
		case "image":
			path, err := imageToTempFile(p)
			if err != nil {
				return "", err
			}
			*imagePaths = append(*imagePaths, path)
		default:
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// codexMCPArgs renders external MCP servers (and the client-tools handle) as
// repeated `-c mcp_servers.<name>.<field>=<value>` overrides. Bearer tokens
// never touch argv: they travel as an env var named in
// bearer_token_env_var, injected only into the child's environment, per
// the way Codex's CLI expects.
func codexMCPArgs(q Query) (args []string, env map[string]string) {
	env = map[string]string{}
	servers := map[string]MCPServerConfig{}
	for k, v := range q.MCPServers {
		servers[k] = v
	}
	if q.ClientToolsHandle != nil {
		servers["client-tools"] = MCPServerConfig{
			Type: "http",
			URL:  q.ClientToolsHandle.URL,
		}
		env["BROKER_MCP_CLIENT_TOOLS_TOKEN"] = q.ClientToolsHandle.Token
	}

	for name, cfg := range servers {
		prefix := fmt.Sprintf("mcp_servers.%s", name)
		if cfg.URL != "" {
			args = append(args, "-c", fmt.Sprintf("%s.url=%s", prefix, cfg.URL))
			if name == "client-tools" {
				args = append(args, "-c", fmt.Sprintf("%s.bearer_token_env_var=BROKER_MCP_CLIENT_TOOLS_TOKEN", prefix))
			} else if _, ok := cfg.Headers["Authorization"]; ok {
				envVar := fmt.Sprintf("BROKER_MCP_%s_TOKEN", strings.ToUpper(name))
				env[envVar] = strings.TrimPrefix(cfg.Headers["Authorization"], "Bearer ")
				args = append(args, "-c", fmt.Sprintf("%s.bearer_token_env_var=%s", prefix, envVar))
			}
			continue
		}
		args = append(args, "-c", fmt.Sprintf("%s.command=%s", prefix, cfg.Command))
		for i, a := range cfg.Args {
			args = append(args, "-c", fmt.Sprintf("%s.args[%d]=%s", prefix, i, a))
		}
	}
	return args, env
}

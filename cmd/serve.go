package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openade/broker/internal/broker"
	"github.com/openade/broker/internal/config"
	"github.com/openade/broker/internal/diskstate"
	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/harness"
	"github.com/openade/broker/internal/mcpclient"
	"github.com/openade/broker/internal/mcpserver"
	"github.com/openade/broker/internal/oauthflow"
	"github.com/openade/broker/internal/procexec"
	"github.com/openade/broker/internal/ptyexec"
	"github.com/openade/broker/internal/rpctransport"
	"github.com/openade/broker/internal/subprocess"
	"github.com/openade/broker/internal/toolbridge"
)

var (
	serveHost            string
	servePort            int
	serveToken           string
	serveAllowNoAuth     bool
	serveCORSOrigins     []string
	serveRelease         bool
	serveToolServerDebug bool
	serveStateDir        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker's WebSocket RPC server",
	Long: `serve starts the execution broker: a single local WebSocket endpoint
that supervises harness CLIs (Claude Code, Codex), PTYs, and detached
processes on behalf of a connected UI client.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if servePort < 0 || servePort > 65535 {
		return fmt.Errorf("invalid --port %d (must be 0-65535)", servePort)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlagOverrides(cmd, cfg)

	requireAuth := !cfg.AllowNoAuth
	if !requireAuth && !isLoopbackHost(cfg.Host) {
		return fmt.Errorf("--allow-no-auth is only allowed on loopback hosts (got %q)", cfg.Host)
	}

	token := strings.TrimSpace(cfg.Token)
	if requireAuth && token == "" {
		generated, err := generateServeToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		token = generated
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	runner := subprocess.NewRunner(ctx)
	registry := harness.NewRegistry(runner, harnessBinOverrides(cfg))
	brk := broker.New(registry, cfg.ToolServerDebug)
	defer brk.Close()

	ptySup := ptyexec.NewSupervisor()
	defer ptySup.Close()

	procSup := procexec.NewSupervisor()
	defer procSup.Close()

	oauthCoord := oauthflow.New(openSystemBrowser)

	deviceStore, err := diskstate.NewDeviceStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("resolve device store: %w", err)
	}
	device, err := deviceStore.Load()
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}

	historyStore, err := diskstate.NewHistoryStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open execution history: %w", err)
	}
	defer historyStore.Close()

	mode := rpctransport.ModeDevelopment
	if cfg.Release {
		mode = rpctransport.ModeRelease
	}
	rpcSrv := rpctransport.New(token, mode, cfg.CORSOrigins, logger)

	h := &rpcHandlers{
		runner:   runner,
		registry: registry,
		brk:      brk,
		ptySup:   ptySup,
		procSup:  procSup,
		oauth:    oauthCoord,
		history:  historyStore,
	}
	h.register(rpcSrv)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/", rpcSrv)

	srv := &serveServer{server: &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}}
	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "broker serve listening on http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Fprintf(cmd.ErrOrStderr(), "device: %s\n", device.DeviceID)
	fmt.Fprintf(cmd.ErrOrStderr(), "auth: %s\n", authSummary(requireAuth))
	if requireAuth {
		fmt.Fprintf(cmd.ErrOrStderr(), "token: %s\n", token)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "harnesses: %s\n", strings.Join(registry.IDs(), ", "))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// applyServeFlagOverrides layers explicitly-set flags over the loaded
// config, so a bare `broker serve` honors the config file while any flag
// the operator actually typed wins.
func applyServeFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("token") {
		cfg.Token = serveToken
	}
	if flags.Changed("allow-no-auth") {
		cfg.AllowNoAuth = serveAllowNoAuth
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigins = serveCORSOrigins
	}
	if flags.Changed("release") {
		cfg.Release = serveRelease
	}
	if flags.Changed("tool-server-debug") {
		cfg.ToolServerDebug = serveToolServerDebug
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = serveStateDir
	}
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func harnessBinOverrides(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Harnesses))
	for id, o := range cfg.Harnesses {
		if o.Path != "" {
			out[id] = o.Path
		}
	}
	return out
}

// openSystemBrowser shells out to the platform's URL opener: "open" on
// macOS, "xdg-open" on Linux, rundll32's FileProtocolHandler on Windows.
func openSystemBrowser(url string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "linux":
		c = exec.Command("xdg-open", url)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %q for opening a browser", runtime.GOOS)
	}
	return c.Start()
}

// serveServer owns the http.Server lifecycle: launch ListenAndServe in a
// goroutine, give it a short grace period to report an immediate bind
// failure.
type serveServer struct {
	server *http.Server
}

func (s *serveServer) Start() error {
	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *serveServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// rpcHandlers binds every command RPC to the component that serves it, one
// method per command, dispatched by rpctransport.Server.Handle.
type rpcHandlers struct {
	runner   *subprocess.Runner
	registry *harness.Registry
	brk      *broker.Broker
	ptySup   *ptyexec.Supervisor
	procSup  *procexec.Supervisor
	oauth    *oauthflow.Coordinator
	history  *diskstate.HistoryStore
}

func (h *rpcHandlers) register(s *rpctransport.Server) {
	s.Handle("harness:start_query", h.handleStartQuery)
	s.Handle("harness:tool_response", h.handleToolResponse)
	s.Handle("harness:abort", h.handleAbort)
	s.Handle("harness:reconnect", h.handleReconnect)
	s.Handle("harness:clear_buffer", h.handleClearBuffer)

	s.Handle("pty:spawn", h.handlePTYSpawn)
	s.Handle("pty:write", h.handlePTYWrite)
	s.Handle("pty:resize", h.handlePTYResize)
	s.Handle("pty:kill", h.handlePTYKill)
	s.Handle("pty:reconnect", h.handlePTYReconnect)
	s.Handle("pty:killAll", h.handlePTYKillAll)

	s.Handle("process:runCmd", h.handleProcessRunCmd)
	s.Handle("process:runScript", h.handleProcessRunScript)
	s.Handle("process:reconnect", h.handleProcessReconnect)
	s.Handle("process:kill", h.handleProcessKill)
	s.Handle("process:list", h.handleProcessList)
	s.Handle("process:killAll", h.handleProcessKillAll)

	s.Handle("code:system:setGlobalEnv", h.handleSetGlobalEnv)

	s.Handle("code:mcp:testConnection", h.handleMCPTestConnection)
	s.Handle("code:mcp:initiateOAuth", h.handleMCPInitiateOAuth)
	s.Handle("code:mcp:cancelOAuth", h.handleMCPCancelOAuth)
	s.Handle("code:mcp:refreshOAuth", h.handleMCPRefreshOAuth)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// --- harness:* ---

type clientToolPayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type startQueryOptionsPayload struct {
	HarnessID             string                              `json:"harnessId"`
	Cwd                   string                              `json:"cwd"`
	Mode                  harness.Mode                        `json:"mode"`
	Model                 string                              `json:"model"`
	ForceSubagentModel    bool                                `json:"forceSubagentModel"`
	Thinking              harness.Thinking                    `json:"thinking"`
	AppendSystemPrompt    string                              `json:"appendSystemPrompt"`
	SystemPrompt          string                              `json:"systemPrompt"`
	ResumeSessionID       string                              `json:"resumeSessionId"`
	ForkSession           bool                                `json:"forkSession"`
	AdditionalDirectories []string                            `json:"additionalDirectories"`
	Env                   map[string]string                   `json:"env"`
	AllowedTools          []string                            `json:"allowedTools"`
	DisallowedTools       []string                            `json:"disallowedTools"`
	DisablePlanningTools  bool                                `json:"disablePlanningTools"`
	MCPServerConfigs      map[string]harness.MCPServerConfig  `json:"mcpServerConfigs"`
	ClientTools           []clientToolPayload                 `json:"clientTools"`
}

type startQueryPayload struct {
	ExecutionID string                   `json:"executionId"`
	Prompt      []harness.PromptPart     `json:"prompt"`
	Options     startQueryOptionsPayload `json:"options"`
}

func (h *rpcHandlers) handleStartQuery(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p startQueryPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode start_query payload: %w", err)
	}
	if p.ExecutionID == "" {
		return nil, fmt.Errorf("executionId is required")
	}

	tools := make([]mcpserver.ToolSpec, 0, len(p.Options.ClientTools))
	for _, t := range p.Options.ClientTools {
		tools = append(tools, mcpserver.ToolSpec{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}

	opts := broker.StartQueryOptions{
		HarnessID:             p.Options.HarnessID,
		Cwd:                   p.Options.Cwd,
		Mode:                  p.Options.Mode,
		Model:                 p.Options.Model,
		ForceSubagentModel:    p.Options.ForceSubagentModel,
		Thinking:              p.Options.Thinking,
		AppendSystemPrompt:    p.Options.AppendSystemPrompt,
		SystemPrompt:          p.Options.SystemPrompt,
		ResumeSessionID:       p.Options.ResumeSessionID,
		ForkSession:           p.Options.ForkSession,
		AdditionalDirectories: p.Options.AdditionalDirectories,
		Env:                   p.Options.Env,
		AllowedTools:          p.Options.AllowedTools,
		DisallowedTools:       p.Options.DisallowedTools,
		DisablePlanningTools:  p.Options.DisablePlanningTools,
		MCPServerConfigs:      p.Options.MCPServerConfigs,
		ClientTools:           tools,
	}

	sink := newHistorySink(rpctransport.NewHarnessSink(conn), h.history, p.ExecutionID, opts.HarnessID, opts.Cwd)
	if err := h.history.Record(ctx, diskstate.HistoryRecord{
		ID: p.ExecutionID, HarnessID: opts.HarnessID, Cwd: opts.Cwd,
		Status: string(broker.StatusInProgress), CreatedAt: time.Now(),
	}); err != nil {
		slog.Default().Warn("record execution history", "executionId", p.ExecutionID, "error", err)
	}

	if err := h.brk.StartQuery(ctx, p.ExecutionID, p.Prompt, opts, sink); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type toolResponsePayload struct {
	CallID string            `json:"callId"`
	Result *toolbridge.Result `json:"result"`
	Error  string            `json:"error"`
}

func (h *rpcHandlers) handleToolResponse(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p toolResponsePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode tool_response payload: %w", err)
	}
	return nil, h.brk.ToolResponse(p.CallID, p.Result, p.Error)
}

type executionIDPayload struct {
	ExecutionID string `json:"executionId"`
}

func (h *rpcHandlers) handleAbort(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p executionIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode abort payload: %w", err)
	}
	return nil, h.brk.Abort(p.ExecutionID)
}

func (h *rpcHandlers) handleReconnect(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p executionIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode reconnect payload: %w", err)
	}
	sink := newHistorySink(rpctransport.NewHarnessSink(conn), h.history, p.ExecutionID, "", "")
	found, events := h.brk.Reconnect(p.ExecutionID, sink)
	return map[string]any{"found": found, "events": events}, nil
}

func (h *rpcHandlers) handleClearBuffer(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p executionIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode clear_buffer payload: %w", err)
	}
	h.brk.ClearBuffer(p.ExecutionID)
	return nil, nil
}

// historySink wraps a broker.Sink to additionally persist an execution's
// terminal status to the on-disk history store, without slowing down or
// blocking delivery to the live client.
type historySink struct {
	inner     broker.Sink
	history   *diskstate.HistoryStore
	id        string
	harnessID string
	cwd       string
}

func newHistorySink(inner broker.Sink, history *diskstate.HistoryStore, id, harnessID, cwd string) historySink {
	return historySink{inner: inner, history: history, id: id, harnessID: harnessID, cwd: cwd}
}

func (s historySink) Send(env envelope.Envelope) {
	s.inner.Send(env)
	if !env.IsTerminal() {
		return
	}
	status := broker.StatusCompleted
	if env.Kind == envelope.KindError && env.Code == envelope.ErrAborted {
		status = broker.StatusAborted
	} else if env.Kind == envelope.KindError {
		status = broker.StatusError
	}
	now := time.Now()
	if err := s.history.Record(context.Background(), diskstate.HistoryRecord{
		ID: s.id, HarnessID: s.harnessID, Cwd: s.cwd, Status: string(status),
		CreatedAt: now, CompletedAt: &now,
	}); err != nil {
		slog.Default().Warn("record execution history", "executionId", s.id, "error", err)
	}
}

// --- pty:* ---

type ptySpawnPayload struct {
	PtyID string            `json:"ptyId"`
	Cwd   string            `json:"cwd"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
	Env   map[string]string `json:"env"`
}

func (h *rpcHandlers) handlePTYSpawn(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p ptySpawnPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pty:spawn payload: %w", err)
	}
	return nil, h.ptySup.Spawn(p.PtyID, p.Cwd, p.Cols, p.Rows, p.Env, rpctransport.NewPTYSink(conn, p.PtyID))
}

type ptyWritePayload struct {
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

func (h *rpcHandlers) handlePTYWrite(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p ptyWritePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pty:write payload: %w", err)
	}
	return nil, h.ptySup.Write(p.PtyID, p.Data)
}

type ptyResizePayload struct {
	PtyID string `json:"ptyId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

func (h *rpcHandlers) handlePTYResize(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p ptyResizePayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pty:resize payload: %w", err)
	}
	return nil, h.ptySup.Resize(p.PtyID, p.Cols, p.Rows)
}

type ptyIDPayload struct {
	PtyID string `json:"ptyId"`
}

func (h *rpcHandlers) handlePTYKill(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p ptyIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pty:kill payload: %w", err)
	}
	return nil, h.ptySup.Kill(p.PtyID)
}

func (h *rpcHandlers) handlePTYReconnect(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p ptyIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode pty:reconnect payload: %w", err)
	}
	found, chunks, exitInfo := h.ptySup.Reconnect(p.PtyID, rpctransport.NewPTYSink(conn, p.PtyID))
	return map[string]any{"found": found, "chunks": chunks, "exitInfo": exitInfo}, nil
}

func (h *rpcHandlers) handlePTYKillAll(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	h.ptySup.KillAll()
	return nil, nil
}

// --- process:* ---

type processRunCmdPayload struct {
	ProcessID string            `json:"processId"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs int64             `json:"timeoutMs"`
}

func (h *rpcHandlers) handleProcessRunCmd(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p processRunCmdPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode process:runCmd payload: %w", err)
	}
	opts := procexec.RunOptions{Cwd: p.Cwd, Env: p.Env, Timeout: time.Duration(p.TimeoutMs) * time.Millisecond}
	return nil, h.procSup.RunCmd(p.ProcessID, p.Command, p.Args, opts, rpctransport.NewProcessSink(conn, p.ProcessID))
}

type processRunScriptPayload struct {
	ProcessID string            `json:"processId"`
	Script    string            `json:"script"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs int64             `json:"timeoutMs"`
}

func (h *rpcHandlers) handleProcessRunScript(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p processRunScriptPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode process:runScript payload: %w", err)
	}
	opts := procexec.RunOptions{Cwd: p.Cwd, Env: p.Env, Timeout: time.Duration(p.TimeoutMs) * time.Millisecond}
	return nil, h.procSup.RunScript(p.ProcessID, p.Script, opts, rpctransport.NewProcessSink(conn, p.ProcessID))
}

type processIDPayload struct {
	ProcessID string `json:"processId"`
}

func (h *rpcHandlers) handleProcessReconnect(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p processIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode process:reconnect payload: %w", err)
	}
	found, stdout, stderr, exitInfo := h.procSup.Reconnect(p.ProcessID, rpctransport.NewProcessSink(conn, p.ProcessID))
	return map[string]any{"found": found, "stdout": stdout, "stderr": stderr, "exitInfo": exitInfo}, nil
}

func (h *rpcHandlers) handleProcessKill(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p processIDPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode process:kill payload: %w", err)
	}
	return nil, h.procSup.Kill(p.ProcessID)
}

func (h *rpcHandlers) handleProcessList(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	return h.procSup.List(), nil
}

func (h *rpcHandlers) handleProcessKillAll(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	h.procSup.KillAll()
	return nil, nil
}

// --- code:system:* / code:mcp:* ---

type setGlobalEnvPayload struct {
	Env map[string]string `json:"env"`
}

func (h *rpcHandlers) handleSetGlobalEnv(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p setGlobalEnvPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode setGlobalEnv payload: %w", err)
	}
	h.runner.SetGlobalEnv(p.Env)
	return nil, nil
}

type mcpTestConnectionPayload struct {
	Config harness.MCPServerConfig `json:"config"`
}

func (h *rpcHandlers) handleMCPTestConnection(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p mcpTestConnectionPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode testConnection payload: %w", err)
	}
	return mcpclient.TestConnection(ctx, p.Config), nil
}

type mcpInitiateOAuthPayload struct {
	ServerID  string `json:"serverId"`
	ServerURL string `json:"serverUrl"`
}

func (h *rpcHandlers) handleMCPInitiateOAuth(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p mcpInitiateOAuthPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode initiateOAuth payload: %w", err)
	}
	return nil, h.oauth.Initiate(ctx, p.ServerID, p.ServerURL, rpctransport.NewOAuthSink(conn))
}

type mcpCancelOAuthPayload struct {
	ServerID string `json:"serverId"`
}

func (h *rpcHandlers) handleMCPCancelOAuth(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p mcpCancelOAuthPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode cancelOAuth payload: %w", err)
	}
	h.oauth.Cancel(p.ServerID)
	return nil, nil
}

type mcpRefreshOAuthPayload struct {
	ServerURL    string `json:"serverUrl"`
	RefreshToken string `json:"refreshToken"`
}

func (h *rpcHandlers) handleMCPRefreshOAuth(ctx context.Context, conn *rpctransport.Conn, cmd rpctransport.Command) (any, error) {
	var p mcpRefreshOAuthPayload
	if err := decodePayload(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode refreshOAuth payload: %w", err)
	}
	return h.oauth.Refresh(ctx, p.ServerURL, p.RefreshToken)
}

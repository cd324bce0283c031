package cmd

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/openade/broker/internal/broker"
	"github.com/openade/broker/internal/config"
	"github.com/openade/broker/internal/diskstate"
	"github.com/openade/broker/internal/harness"
	"github.com/openade/broker/internal/oauthflow"
	"github.com/openade/broker/internal/procexec"
	"github.com/openade/broker/internal/ptyexec"
	"github.com/openade/broker/internal/rpctransport"
	"github.com/openade/broker/internal/subprocess"
)

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"localhost": true,
		"::1":       true,
		"0.0.0.0":   false,
		"example.com": false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestGenerateServeTokenIsUniqueAndNonEmpty(t *testing.T) {
	a, err := generateServeToken()
	if err != nil {
		t.Fatalf("generateServeToken: %v", err)
	}
	b, err := generateServeToken()
	if err != nil {
		t.Fatalf("generateServeToken: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty tokens")
	}
	if a == b {
		t.Fatal("expected distinct tokens across calls")
	}
}

func TestHarnessBinOverridesSkipsEmptyPaths(t *testing.T) {
	cfg := &config.Config{
		Harnesses: map[string]config.HarnessOverride{
			"claude-code": {Path: "/opt/claude"},
			"codex":       {Path: ""},
		},
	}
	got := harnessBinOverrides(cfg)
	if len(got) != 1 {
		t.Fatalf("expected exactly one override, got %+v", got)
	}
	if got["claude-code"] != "/opt/claude" {
		t.Fatalf("unexpected override: %+v", got)
	}
}

func TestDecodePayloadAllowsEmptyRaw(t *testing.T) {
	var p executionIDPayload
	if err := decodePayload(nil, &p); err != nil {
		t.Fatalf("decodePayload(nil): %v", err)
	}
	if p.ExecutionID != "" {
		t.Fatalf("expected zero value, got %+v", p)
	}
}

func TestRegisterWiresEveryCommandRPC(t *testing.T) {
	runner := subprocess.NewRunner(context.Background())
	registry := harness.NewRegistry(runner, nil)
	brk := broker.New(registry, false)
	defer brk.Close()

	ptySup := ptyexec.NewSupervisor()
	defer ptySup.Close()
	procSup := procexec.NewSupervisor()
	defer procSup.Close()

	history, err := diskstate.NewHistoryStore("")
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	defer history.Close()

	h := &rpcHandlers{runner: runner, registry: registry, brk: brk, ptySup: ptySup, procSup: procSup, oauth: oauthflow.New(nil), history: history}
	srv := rpctransport.New("", rpctransport.ModeDevelopment, nil, nil)
	h.register(srv)

	want := []string{
		"harness:start_query", "harness:tool_response", "harness:abort",
		"harness:reconnect", "harness:clear_buffer",
		"pty:spawn", "pty:write", "pty:resize", "pty:kill", "pty:reconnect", "pty:killAll",
		"process:runCmd", "process:runScript", "process:reconnect", "process:kill",
		"process:list", "process:killAll",
		"code:system:setGlobalEnv",
		"code:mcp:testConnection", "code:mcp:initiateOAuth", "code:mcp:cancelOAuth", "code:mcp:refreshOAuth",
	}
	for _, cmdType := range want {
		payload := json.RawMessage(`{}`)
		resp := dispatchOverWebSocket(t, srv, cmdType, payload)
		if resp.Error != "" && resp.Error == "unknown command type \""+cmdType+"\"" {
			t.Errorf("command %q was not registered", cmdType)
		}
	}
}

// dispatchOverWebSocket opens a real websocket connection to srv and sends
// one command, returning its response.
func dispatchOverWebSocket(t *testing.T, srv *rpctransport.Server, cmdType string, payload json.RawMessage) rpctransport.Response {
	t.Helper()
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	wsURL := "ws" + httpSrv.URL[len("http"):]
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	cmd := rpctransport.Command{ID: "1", Type: cmdType, Payload: payload}
	if err := ws.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp rpctransport.Response
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

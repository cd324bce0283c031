// Package mcpserver implements the broker's Tool server: an
// in-process, bearer-authenticated HTTP MCP endpoint that exposes
// UI-provided client tools to a harness CLI. Grounded on the
// mcphttp.Server shape ClaudeBinProvider.createHTTPMCPConfig drives
// (NewServer(executor), SetDebug, Start(ctx, tools)->(url,token,err), Stop)
// combined with the modelcontextprotocol/go-sdk mcp.Server construction used
// by a stdio MCP server command.
package mcpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MaxInflight bounds concurrent tool invocations per server to a
// conservative, implementation-defined ceiling.
const MaxInflight = 16

// callTimeout is the default per-call deadline before Executor's ctx is
// cancelled out from under it.
const callTimeout = 5 * time.Minute

// ToolSpec describes one client-provided tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Executor runs one tool call and returns its textual result, or an error
// that is surfaced to the CLI as an MCP tool error content block.
type Executor func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Handle is returned by Start; it carries everything a harness needs to
// point a CLI at this server plus the means to tear it down.
type Handle struct {
	URL   string
	Token string

	server   *http.Server
	listener net.Listener
	inflight chan struct{}
}

// ServerConfig renders the handle as the `{type, url, headers:
// {Authorization}}` entry the Claude MCP config file expects.
func (h *Handle) ServerConfig() map[string]any {
	return map[string]any{
		"type": "http",
		"url":  h.URL,
		"headers": map[string]string{
			"Authorization": "Bearer " + h.Token,
		},
	}
}

// Stop closes the listener and every open connection, which aborts any
// inflight MCP requests, and lets the token be garbage collected.
func (h *Handle) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Close()
}

// Server hosts the life of exactly one Start/Stop cycle's worth of tools.
type Server struct {
	exec  Executor
	debug bool
}

// NewServer creates a tool server bound to the given tool executor.
func NewServer(exec Executor) *Server {
	return &Server{exec: exec}
}

// SetDebug toggles verbose stderr logging, matching the CLI's debug flag
// idiom.
func (s *Server) SetDebug(debug bool) { s.debug = debug }

// Start binds an ephemeral loopback port, registers tools with the MCP SDK
// server, wraps it in bearer-auth middleware, and begins serving.
func (s *Server) Start(ctx context.Context, tools []ToolSpec) (*Handle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	impl := mcp.NewServer(&mcp.Implementation{Name: "execbroker", Version: "1.0.0"}, nil)

	inflight := make(chan struct{}, MaxInflight)
	for _, t := range tools {
		spec := t
		impl.AddTool(&mcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Schema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()

			argsJSON, _ := json.Marshal(req.Params.Arguments)
			result, err := s.exec(callCtx, spec.Name, argsJSON)
			if err != nil {
				if s.debug {
					slog.Debug("mcpserver: tool call failed", "tool", spec.Name, "err", err)
				}
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				}, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: result}},
			}, nil
		})
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return impl
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/", authMiddleware(token, mcpHandler))

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("mcpserver: serve failed", "err", err)
		}
	}()

	handle := &Handle{
		URL:      fmt.Sprintf("http://%s/", listener.Addr().String()),
		Token:    token,
		server:   httpServer,
		listener: listener,
		inflight: inflight,
	}
	if s.debug {
		slog.Debug("mcpserver: started", "url", handle.URL, "tools", len(tools))
	}
	return handle, nil
}

func authMiddleware(token string, next http.Handler) http.Handler {
	expected := "Bearer " + token
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

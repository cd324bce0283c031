// Package rpctransport implements a WebSocket-based command and
// event channel between the broker and its UI client. Requests are
// strongly-typed command envelopes dispatched by type; responses and
// server-pushed events are multiplexed onto the same connection, ordered
// per channel. Grounded on cmd/serve.go's auth/cors middleware chain
// (bearer constant-time compare, origin handling, http.ServeMux), promoted
// from an OpenAI-compatible REST surface to a bidirectional channel via
// github.com/gorilla/websocket.
package rpctransport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WriteTimeout bounds a single frame write.
const WriteTimeout = 10 * time.Second

// ReadLimit caps an inbound command frame's size.
const ReadLimit = 1 << 20 // 1 MiB

// sendQueueDepth is the per-connection outbound buffer; a full queue means a
// slow or gone client, which must never block the broker: a disconnected
// client can never stall the streaming loop.
const sendQueueDepth = 256

// Mode selects the origin allow-list policy.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeRelease     Mode = "release"
)

// Command is a client→broker request envelope: {id, type, ...payload}.
type Command struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a broker→client reply: {id, ok, ...}.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// eventFrame is a broker-pushed, channel-tagged event (e.g. `harness:event`,
// `pty:output:<ptyId>`) — its event-stream surface.
type eventFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one command and returns a JSON-able result, or an error
// that becomes the response's `error` field.
type Handler func(ctx context.Context, conn *Conn, cmd Command) (any, error)

// Server owns the WebSocket upgrade, origin/auth checks, command dispatch
// table, and the set of live connections event channels are pushed to.
type Server struct {
	token string
	mode  Mode
	// extraOrigins are additional allowed origins beyond the built-in
	// loopback (always) and file: scheme (release only) rules.
	extraOrigins map[string]struct{}
	upgrader     websocket.Upgrader
	logger       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[string]*Conn
}

// New constructs a Server. token may be empty to disable auth (loopback-only
// dev use); extraOrigins supplements the built-in loopback/file allow-list.
func New(token string, mode Mode, extraOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(extraOrigins))
	for _, o := range extraOrigins {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	s := &Server{
		token:        token,
		mode:         mode,
		extraOrigins: origins,
		logger:       logger,
		handlers:     make(map[string]Handler),
		conns:        make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // origin is vetted explicitly in ServeHTTP
	}
	return s
}

// Handle registers the handler invoked for commands of the given type,
// regardless of which `channel` they arrived on.
func (s *Server) Handle(cmdType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmdType] = h
}

// ServeHTTP upgrades an allowed, authenticated request to a WebSocket
// connection and runs its read loop until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := newConn(ws)
	s.register(conn)
	defer s.unregister(conn)

	conn.readLoop(r.Context(), s)
}

// originAllowed applies its allow-list: configured extra origins in either
// mode; beyond those, in development, loopback hostnames only; in release,
// loopback, a file: scheme, or the "null" origin. A missing Origin header
// (native/CLI clients that don't set one) is allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "null" {
		// Browsers report "null" as the Origin for file:// pages.
		return s.mode == ModeRelease
	}

	if _, ok := s.extraOrigins[origin]; ok {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		return s.mode == ModeRelease
	}
	return isLoopbackHost(u.Hostname())
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

// authorized mirrors cmd/serve.go's auth() middleware: a constant-time
// compare of the bearer token against the configured secret.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	const prefix = "Bearer "
	got := r.Header.Get("Authorization")
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, cmd Command) {
	s.mu.RLock()
	h, ok := s.handlers[cmd.Type]
	s.mu.RUnlock()

	if !ok {
		conn.writeResponse(Response{ID: cmd.ID, OK: false, Error: fmt.Sprintf("unknown command type %q", cmd.Type)})
		return
	}

	result, err := h(ctx, conn, cmd)
	if err != nil {
		conn.writeResponse(Response{ID: cmd.ID, OK: false, Error: err.Error()})
		return
	}
	var raw json.RawMessage
	if result != nil {
		raw, err = json.Marshal(result)
		if err != nil {
			conn.writeResponse(Response{ID: cmd.ID, OK: false, Error: err.Error()})
			return
		}
	}
	conn.writeResponse(Response{ID: cmd.ID, OK: true, Payload: raw})
}

// Broadcast pushes an event on the given channel to every connected client
// (best-effort, per its backpressure rule).
func (s *Server) Broadcast(channel string, payload any) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.SendEvent(channel, payload)
	}
}

// Conn is one live client connection: a single writer goroutine serializes
// every outbound frame (responses and pushed events alike) so per-channel
// FIFO holds without needing a lock around each write.
type Conn struct {
	id string
	ws *websocket.Conn

	out       chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}
	ws.SetReadLimit(ReadLimit)
	go c.writeLoop()
	return c
}

// ID identifies this connection, e.g. for per-connection sink registration.
func (c *Conn) ID() string { return c.id }

func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, s *Server) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.writeResponse(Response{OK: false, Error: "malformed command: " + err.Error()})
			continue
		}
		// Each command is dispatched on its own goroutine so a slow handler
		// (one with suspension points, by design) never blocks the read
		// loop from accepting the next frame.
		go s.dispatch(ctx, c, cmd)
	}
}

func (c *Conn) writeResponse(resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// SendEvent pushes a channel-tagged event frame to this connection.
// Best-effort: a full outbound queue drops the event rather than block.
func (c *Conn) SendEvent(channel string, payload any) {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return
	}
	raw, err := json.Marshal(eventFrame{Channel: channel, Payload: rawPayload})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *Conn) enqueue(raw []byte) {
	select {
	case c.out <- raw:
	default:
		// Outbound queue full: drop rather than block the emitter, per
		// its backpressure rule.
	}
}

// Close terminates the connection and stops its writer goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

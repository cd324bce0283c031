// Package broker implements the execution broker: a per-execution
// state machine that resolves a harness, starts its query, buffers the
// resulting envelopes for reconnection, and GCs them on a TTL after a
// terminal state, grounded on cmd/serve.go's serveSessionManager
// (GetOrCreate singleflight, janitor goroutine, evictExpired sweep) but keyed
// by a client-supplied executionId instead of an inferred session id.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/harness"
	"github.com/openade/broker/internal/mcpserver"
	"github.com/openade/broker/internal/toolbridge"
)

// RetentionWindow is how long a terminal execution's buffer survives for
// reconnection before GC removes it ("GC fires 30
// minutes later").
const RetentionWindow = 30 * time.Minute

// gcSweepInterval is how often the janitor sweeps for expired executions,
// bounding how long an execution can outlive its GC deadline.
const gcSweepInterval = 1 * time.Minute

// Status is one state of its per-execution state machine.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAborted    Status = "aborted"
)

// Sink receives envelopes for the one live client currently attached to an
// execution. Send must not block the broker; a
// slow or disconnected sink is the caller's concern, the buffer remains the
// source of truth regardless.
type Sink interface {
	Send(envelope.Envelope)
}

// StartQueryOptions mirrors the start_query command's options payload.
type StartQueryOptions struct {
	HarnessID             string
	Cwd                   string
	Mode                  harness.Mode
	Model                 string
	ForceSubagentModel    bool
	Thinking              harness.Thinking
	AppendSystemPrompt    string
	SystemPrompt          string
	ResumeSessionID       string
	ForkSession           bool
	AdditionalDirectories []string
	Env                   map[string]string
	AllowedTools          []string
	DisallowedTools       []string
	DisablePlanningTools  bool
	MCPServerConfigs      map[string]harness.MCPServerConfig
	ClientTools           []mcpserver.ToolSpec
}

// planningToolNames lists the built-in tools a harness uses to plan rather
// than act; disablePlanningTools appends these to DisallowedTools.
var planningToolNames = []string{"TodoWrite", "ExitPlanMode"}

type execution struct {
	id        string
	harnessID string
	sessionID string
	cwd       string
	createdAt time.Time

	mu          sync.Mutex
	status      Status
	events      []envelope.Envelope
	sink        Sink
	completedAt time.Time
	gcDeadline  time.Time

	cancel     context.CancelFunc
	toolHandle *mcpserver.Handle
}

// Broker owns every live and retained Execution.
type Broker struct {
	registry *harness.Registry
	bridge   *toolbridge.Bridge
	toolSrv  func(exec mcpserver.Executor) *mcpserver.Server

	mu         sync.Mutex
	executions map[string]*execution
	closed     bool
	stopCh     chan struct{}
}

// New constructs a Broker wired to the given harness registry. toolServerDebug
// controls mcpserver.Server.SetDebug for every per-execution tool server.
func New(registry *harness.Registry, toolServerDebug bool) *Broker {
	b := &Broker{
		registry:   registry,
		executions: make(map[string]*execution),
		stopCh:     make(chan struct{}),
	}
	b.bridge = toolbridge.New(b.emit)
	b.toolSrv = func(exec mcpserver.Executor) *mcpserver.Server {
		srv := mcpserver.NewServer(exec)
		srv.SetDebug(toolServerDebug)
		return srv
	}
	go b.janitor()
	return b
}

// emit appends an envelope to the named execution's buffer and forwards it
// to its current sink, if any; called both by the streaming loop and by the
// tool bridge for tool_call envelopes.
func (b *Broker) emit(executionID string, env envelope.Envelope) {
	b.mu.Lock()
	exec, ok := b.executions[executionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	exec.mu.Lock()
	exec.events = append(exec.events, env)
	exec.gcDeadline = time.Time{}
	sink := exec.sink
	exec.mu.Unlock()

	if sink != nil {
		sink.Send(env)
	}
}

// StartQuery implements the start_query command: resolving the
// harness, optionally standing up a per-execution tool server for
// clientTools, and spawning the streaming goroutine.
func (b *Broker) StartQuery(ctx context.Context, executionID string, prompt []harness.PromptPart, opts StartQueryOptions, sink Sink) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	if _, exists := b.executions[executionID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("executionId %q is already live", executionID)
	}
	b.mu.Unlock()

	h, err := b.registry.Get(opts.HarnessID)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		id:        executionID,
		harnessID: opts.HarnessID,
		cwd:       opts.Cwd,
		createdAt: time.Now(),
		status:    StatusInProgress,
		sink:      sink,
		cancel:    cancel,
	}

	b.mu.Lock()
	b.executions[executionID] = exec
	b.mu.Unlock()

	disallowed := opts.DisallowedTools
	if opts.DisablePlanningTools {
		disallowed = append(append([]string{}, disallowed...), planningToolNames...)
	}

	q := harness.Query{
		Prompt:             prompt,
		Cwd:                opts.Cwd,
		Mode:               opts.Mode,
		SystemPrompt:       opts.SystemPrompt,
		AppendSystemPrompt: opts.AppendSystemPrompt,
		Model:              opts.Model,
		ForceSubagentModel: opts.ForceSubagentModel,
		Thinking:           opts.Thinking,
		ResumeSessionID:    opts.ResumeSessionID,
		ForkSession:        opts.ForkSession,
		AdditionalDirs:     opts.AdditionalDirectories,
		Env:                opts.Env,
		AllowedTools:       opts.AllowedTools,
		DisallowedTools:    disallowed,
		MCPServers:         opts.MCPServerConfigs,
	}

	if len(opts.ClientTools) > 0 {
		executor := func(ctx context.Context, name string, args json.RawMessage) (string, error) {
			return b.bridge.Invoke(ctx, executionID, name, args)
		}
		srv := b.toolSrv(executor)
		handle, err := srv.Start(execCtx, opts.ClientTools)
		if err != nil {
			cancel()
			b.mu.Lock()
			delete(b.executions, executionID)
			b.mu.Unlock()
			return fmt.Errorf("start tool server: %w", err)
		}
		exec.toolHandle = handle
		q.ClientToolsHandle = handle
	}

	events := h.Query(execCtx, q)
	go b.streamLoop(execCtx, exec, events)
	return nil
}

// streamLoop appends each event to the execution's buffer and forwards it to
// the current client sink if connected, resetting the GC deadline on each
// event, until a terminal envelope sets the execution's final status and
// retention begins.
func (b *Broker) streamLoop(ctx context.Context, exec *execution, events <-chan envelope.Envelope) {
	for ev := range events {
		exec.mu.Lock()
		if exec.status != StatusInProgress {
			exec.mu.Unlock()
			continue
		}
		exec.events = append(exec.events, ev)
		if ev.Kind == envelope.KindSessionStarted {
			exec.sessionID = ev.SessionID
		}
		sink := exec.sink
		terminal := ev.IsTerminal()
		if terminal {
			exec.completedAt = time.Now()
			if ev.Kind == envelope.KindError && ev.Code == envelope.ErrAborted {
				exec.status = StatusAborted
			} else if ev.Kind == envelope.KindError {
				exec.status = StatusError
			} else {
				exec.status = StatusCompleted
			}
			exec.gcDeadline = exec.completedAt.Add(RetentionWindow)
		} else {
			exec.gcDeadline = time.Time{}
		}
		exec.mu.Unlock()

		if sink != nil {
			sink.Send(ev)
		}
	}

	b.finalizeExecution(exec)
}

// finalizeExecution tears down resources and guarantees a terminal status,
// even if the harness channel closed without emitting one (e.g. a process
// crash the jsonl spawner already reported via EventDone, or an abort that
// raced the channel close).
func (b *Broker) finalizeExecution(exec *execution) {
	exec.mu.Lock()
	var synthetic *envelope.Envelope
	if exec.status == StatusInProgress {
		exec.status = StatusError
		exec.completedAt = time.Now()
		exec.gcDeadline = exec.completedAt.Add(RetentionWindow)
		ev := envelope.Error(envelope.ErrUnknown, "execution stream ended without a terminal envelope")
		exec.events = append(exec.events, ev)
		synthetic = &ev
	}
	sink := exec.sink
	toolHandle := exec.toolHandle
	exec.mu.Unlock()

	if sink != nil && synthetic != nil {
		sink.Send(*synthetic)
	}

	b.bridge.AbortExecution(exec.id)
	if toolHandle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = toolHandle.Stop(stopCtx)
		cancel()
	}
}

// Abort implements the abort command: idempotent cancellation that
// rejects pending tool calls and lets the streaming loop observe ctx.Err()
// and append the terminal envelope itself.
func (b *Broker) Abort(executionID string) error {
	exec, ok := b.lookup(executionID)
	if !ok {
		return nil
	}
	exec.mu.Lock()
	live := exec.status == StatusInProgress
	cancel := exec.cancel
	exec.mu.Unlock()
	if live && cancel != nil {
		cancel()
	}
	b.bridge.AbortExecution(executionID)
	return nil
}

// Reconnect implements the reconnect command: replace the client
// sink, reset the GC deadline for in-progress executions, and return every
// buffered envelope in order.
func (b *Broker) Reconnect(executionID string, sink Sink) (found bool, events []envelope.Envelope) {
	exec, ok := b.lookup(executionID)
	if !ok {
		return false, nil
	}

	exec.mu.Lock()
	exec.sink = sink
	if exec.status == StatusInProgress {
		exec.gcDeadline = time.Time{}
	} else {
		exec.gcDeadline = time.Now().Add(RetentionWindow)
	}
	events = append([]envelope.Envelope(nil), exec.events...)
	exec.mu.Unlock()

	return true, events
}

// ClearBuffer implements the clear_buffer command: drop state
// immediately, always succeeding even if the execution was already gone.
func (b *Broker) ClearBuffer(executionID string) {
	exec, ok := b.lookup(executionID)
	if !ok {
		return
	}
	exec.mu.Lock()
	cancel := exec.cancel
	live := exec.status == StatusInProgress
	toolHandle := exec.toolHandle
	exec.mu.Unlock()

	if live && cancel != nil {
		cancel()
	}
	b.bridge.AbortExecution(executionID)
	if toolHandle != nil {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		_ = toolHandle.Stop(stopCtx)
		c()
	}

	b.mu.Lock()
	delete(b.executions, executionID)
	b.mu.Unlock()
}

// ToolResponse implements the tool_response command by delegating to
// the bridge.
func (b *Broker) ToolResponse(callID string, result *toolbridge.Result, errMsg string) error {
	return b.bridge.Respond(callID, result, errMsg)
}

func (b *Broker) lookup(executionID string) (*execution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exec, ok := b.executions[executionID]
	return exec, ok
}

func (b *Broker) janitor() {
	ticker := time.NewTicker(gcSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.evictExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) evictExpired() {
	now := time.Now()
	var expiredIDs []string

	b.mu.Lock()
	for id, exec := range b.executions {
		exec.mu.Lock()
		deadline := exec.gcDeadline
		exec.mu.Unlock()
		if !deadline.IsZero() && now.After(deadline) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	for _, id := range expiredIDs {
		delete(b.executions, id)
	}
	b.mu.Unlock()
}

// Close stops the janitor and aborts every live execution, for orderly
// process shutdown.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ids := make([]string, 0, len(b.executions))
	for id := range b.executions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	close(b.stopCh)
	for _, id := range ids {
		_ = b.Abort(id)
	}
}

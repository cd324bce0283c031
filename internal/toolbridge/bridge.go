// Package toolbridge implements the broker's tool-call bridge: it associates
// MCP tool invocations a harness makes with the UI's eventual tool_response,
// grounded on the shape of tools.ToolError/ToolResult plus the
// pending-map-with-timer pattern commonly used for
// awaited async work.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openade/broker/internal/envelope"
)

// DefaultTimeout is the per-call deadline absent an abort, by design.
const DefaultTimeout = 5 * time.Minute

// ResultContent is one block of a tool_response's result.content array.
type ResultContent struct {
	Text string `json:"text"`
}

// Result is the payload of a successful tool_response.
type Result struct {
	Content []ResultContent `json:"content"`
}

type callOutcome struct {
	text string
	err  string
}

type pendingCall struct {
	executionID string
	resultCh    chan callOutcome
	timer       *time.Timer
}

// Bridge is a process-wide pending-call registry keyed by callId, scoped per
// execution for bulk rejection on abort.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	emit    func(executionID string, env envelope.Envelope)
}

// New creates a Bridge that delivers tool_call envelopes via emit.
func New(emit func(executionID string, env envelope.Envelope)) *Bridge {
	return &Bridge{pending: make(map[string]*pendingCall), emit: emit}
}

// Invoke generates a callId, registers a pending call, emits a tool_call
// envelope, and blocks until a tool_response arrives, the call times out, or
// ctx is cancelled. Bound to an executionId via closure, its remaining
// signature is exactly mcpserver.Executor.
func (b *Bridge) Invoke(ctx context.Context, executionID, toolName string, args json.RawMessage) (string, error) {
	callID := fmt.Sprintf("call-%d", envelope.NextID())
	call := &pendingCall{executionID: executionID, resultCh: make(chan callOutcome, 1)}

	b.mu.Lock()
	b.pending[callID] = call
	b.mu.Unlock()

	call.timer = time.AfterFunc(DefaultTimeout, func() {
		b.settle(callID, callOutcome{err: "timeout"})
	})
	defer call.timer.Stop()

	b.emit(executionID, envelope.ToolCall(callID, toolName, args))

	select {
	case out := <-call.resultCh:
		if out.err != "" {
			return "", fmt.Errorf("%s", out.err)
		}
		return out.text, nil
	case <-ctx.Done():
		b.settle(callID, callOutcome{err: "aborted"})
		return "", ctx.Err()
	}
}

// Respond implements the tool_response command: a result
// resolves with its content joined; an error resolves to that error; neither
// is a caller mistake rejected the same way.
func (b *Bridge) Respond(callID string, result *Result, errMsg string) error {
	b.mu.Lock()
	call, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown")
	}

	switch {
	case result != nil:
		texts := make([]string, len(result.Content))
		for i, c := range result.Content {
			texts[i] = c.Text
		}
		b.deliver(call, callOutcome{text: strings.Join(texts, "")})
	case errMsg != "":
		b.deliver(call, callOutcome{err: errMsg})
	default:
		b.deliver(call, callOutcome{err: "tool_response had neither result nor error"})
	}
	return nil
}

// AbortExecution rejects every pending call owned by executionID with
// "aborted".
func (b *Bridge) AbortExecution(executionID string) {
	b.mu.Lock()
	var calls []*pendingCall
	for id, call := range b.pending {
		if call.executionID == executionID {
			calls = append(calls, call)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, call := range calls {
		b.deliver(call, callOutcome{err: "aborted"})
	}
}

// settle resolves a still-pending call found by id, a no-op if it already
// resolved (e.g. a race between timeout and a late tool_response).
func (b *Bridge) settle(callID string, out callOutcome) {
	b.mu.Lock()
	call, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.deliver(call, out)
}

func (b *Bridge) deliver(call *pendingCall, out callOutcome) {
	call.timer.Stop()
	select {
	case call.resultCh <- out:
	default:
	}
}

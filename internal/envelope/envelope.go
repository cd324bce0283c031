// Package envelope defines the unified event shape that flows out of every
// supervised subsystem (harness executions, PTYs, detached processes) and
// back from the client as command requests.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Direction discriminates whether an Envelope originated from something the
// broker is supervising or from a command the client sent in.
type Direction string

const (
	DirectionExecution Direction = "execution"
	DirectionCommand   Direction = "command"
)

// Kind is the envelope's tag within its Direction.
type Kind string

const (
	KindRawMessage     Kind = "raw_message"
	KindStderr         Kind = "stderr"
	KindComplete       Kind = "complete"
	KindError          Kind = "error"
	KindToolCall       Kind = "tool_call"
	KindSessionStarted Kind = "session_started"

	KindStartQuery   Kind = "start_query"
	KindToolResponse Kind = "tool_response"
	KindAbort        Kind = "abort"
	KindReconnect    Kind = "reconnect"
	KindClearBuffer  Kind = "clear_buffer"
)

// ErrorCode is the core error taxonomy shared by every component that can
// surface a terminal failure.
type ErrorCode string

const (
	ErrNotInstalled    ErrorCode = "not_installed"
	ErrAuthFailed      ErrorCode = "auth_failed"
	ErrRateLimited     ErrorCode = "rate_limited"
	ErrContextOverflow ErrorCode = "context_overflow"
	ErrProcessCrashed  ErrorCode = "process_crashed"
	ErrAborted         ErrorCode = "aborted"
	ErrTimeout         ErrorCode = "timeout"
	ErrUnknown         ErrorCode = "unknown"
)

// BrokerError is a typed error carrying one of the core error codes, mirroring
// the ToolError/ToolErrorType split the rest of the corpus uses for
// retry-aware agent-facing errors.
type BrokerError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new BrokerError.
func NewError(code ErrorCode, message string) *BrokerError {
	return &BrokerError{Code: code, Message: message}
}

// NewErrorf creates a new BrokerError with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var seq atomic.Uint64

// NextID returns a process-wide monotonically increasing envelope id. It is
// not globally unique across restarts; callers that need that combine it
// with the owning entity's id.
func NextID() uint64 {
	return seq.Add(1)
}

// Envelope is the tagged-union stream item persisted into an Execution's (or
// PTY's, or Process's) event log. Payload is kept as a typed field per kind
// rather than a single `interface{}` bag so encoding stays predictable; the
// JSON shape still matches the flat `{id, direction, kind, ...payload...}`.
type Envelope struct {
	ID        uint64    `json:"id"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`

	Message       json.RawMessage `json:"message,omitempty"`
	Data          string          `json:"data,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Error         string          `json:"error,omitempty"`
	Code          ErrorCode       `json:"code,omitempty"`
	CallID        string          `json:"callId,omitempty"`
	ToolName      string          `json:"toolName,omitempty"`
	ToolArguments json.RawMessage `json:"toolArguments,omitempty"`
}

// Usage captures per-execution token/cost accounting across harnesses.
type Usage struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	CacheReadTokens int     `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int    `json:"cacheWriteTokens,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
	DurationMs      int64   `json:"durationMs,omitempty"`
}

func newExecutionEnvelope(kind Kind) Envelope {
	return Envelope{ID: NextID(), Direction: DirectionExecution, Kind: kind}
}

// RawMessage wraps one decoded harness JSONL line.
func RawMessage(msg json.RawMessage) Envelope {
	e := newExecutionEnvelope(KindRawMessage)
	e.Message = msg
	return e
}

// Stderr wraps a chunk of the child's stderr stream.
func Stderr(data string) Envelope {
	e := newExecutionEnvelope(KindStderr)
	e.Data = data
	return e
}

// SessionStarted announces the vendor session id assigned by the CLI.
func SessionStarted(sessionID string) Envelope {
	e := newExecutionEnvelope(KindSessionStarted)
	e.SessionID = sessionID
	return e
}

// Complete marks an execution as finished successfully.
func Complete(usage *Usage) Envelope {
	e := newExecutionEnvelope(KindComplete)
	e.Usage = usage
	return e
}

// Error marks an execution as having ended with a failure.
func Error(code ErrorCode, message string) Envelope {
	e := newExecutionEnvelope(KindError)
	e.Code = code
	e.Error = message
	return e
}

// ToolCall announces a pending client-tool invocation.
func ToolCall(callID, toolName string, args json.RawMessage) Envelope {
	e := newExecutionEnvelope(KindToolCall)
	e.CallID = callID
	e.ToolName = toolName
	e.ToolArguments = args
	return e
}

// IsTerminal reports whether this envelope kind ends an Execution's stream.
func (e Envelope) IsTerminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

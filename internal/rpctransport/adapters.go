package rpctransport

import (
	"encoding/base64"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/oauthflow"
	"github.com/openade/broker/internal/procexec"
	"github.com/openade/broker/internal/ptyexec"
)

// HarnessSink adapts a Conn into a broker.Sink, pushing every envelope on
// both the `harness:event` channel and the legacy `claude:event` alias kept
// for clients that haven't migrated off the old channel name.
type HarnessSink struct {
	conn *Conn
}

// NewHarnessSink wraps conn for one execution's event stream.
func NewHarnessSink(conn *Conn) HarnessSink {
	return HarnessSink{conn: conn}
}

// Send implements broker.Sink.
func (h HarnessSink) Send(env envelope.Envelope) {
	h.conn.SendEvent("harness:event", env)
	h.conn.SendEvent("claude:event", env)
}

// PTYSink adapts a Conn into a ptyexec.Sink, pushing chunks and exits on the
// `pty:output:<ptyId>` / `pty:exit:<ptyId>` channels named here.
type PTYSink struct {
	conn  *Conn
	ptyID string
}

// NewPTYSink wraps conn for one PTY session's output stream.
func NewPTYSink(conn *Conn, ptyID string) PTYSink {
	return PTYSink{conn: conn, ptyID: ptyID}
}

// SendChunk implements ptyexec.Sink.
func (p PTYSink) SendChunk(base64Data string) {
	p.conn.SendEvent("pty:output:"+p.ptyID, map[string]string{"data": base64Data})
}

// SendExit implements ptyexec.Sink.
func (p PTYSink) SendExit(info ptyexec.ExitInfo) {
	p.conn.SendEvent("pty:exit:"+p.ptyID, info)
}

// ProcessSink adapts a Conn into a procexec.Sink, pushing chunks and exits
// on the `process:output:<processId>` / `process:exit:<processId>` /
// `process:error:<processId>` channels named here.
type ProcessSink struct {
	conn      *Conn
	processID string
}

// NewProcessSink wraps conn for one process's output stream.
func NewProcessSink(conn *Conn, processID string) ProcessSink {
	return ProcessSink{conn: conn, processID: processID}
}

// SendChunk implements procexec.Sink.
func (p ProcessSink) SendChunk(stream procexec.StreamType, data []byte) {
	p.conn.SendEvent("process:output:"+p.processID, map[string]string{
		"stream": string(stream),
		"data":   base64.StdEncoding.EncodeToString(data),
	})
}

// SendExit implements procexec.Sink.
func (p ProcessSink) SendExit(info procexec.ExitInfo) {
	if info.Err != "" && !info.TimedOut {
		p.conn.SendEvent("process:error:"+p.processID, info)
		return
	}
	p.conn.SendEvent("process:exit:"+p.processID, info)
}

// OAuthSink adapts a Conn into an oauthflow.Sink, pushing the flow's terminal
// outcome on the `code:mcp:oauthComplete` channel named here.
type OAuthSink struct {
	conn *Conn
}

// NewOAuthSink wraps conn for one MCP server login's completion event.
func NewOAuthSink(conn *Conn) OAuthSink {
	return OAuthSink{conn: conn}
}

// OAuthComplete implements oauthflow.Sink.
func (o OAuthSink) OAuthComplete(serverID string, tokens *oauthflow.TokenSet, errMsg string) {
	o.conn.SendEvent("code:mcp:oauthComplete", map[string]any{
		"serverId": serverID,
		"tokens":   tokens,
		"error":    errMsg,
	})
}

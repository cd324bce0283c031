package rpctransport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	s := New(token, ModeDevelopment, nil, nil)
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func dial(t *testing.T, httpSrv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	header := map[string][]string{}
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCommandDispatchReturnsResponse(t *testing.T) {
	s, httpSrv := startTestServer(t, "")
	s.Handle("ping", func(ctx context.Context, conn *Conn, cmd Command) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	ws := dial(t, httpSrv, "")
	cmd := Command{ID: "req-1", Type: "ping"}
	raw, _ := json.Marshal(cmd)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK || resp.ID != "req-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnknownCommandTypeReturnsError(t *testing.T) {
	_, httpSrv := startTestServer(t, "")
	ws := dial(t, httpSrv, "")

	cmd := Command{ID: "req-1", Type: "nonexistent"}
	raw, _ := json.Marshal(cmd)
	ws.WriteMessage(websocket.TextMessage, raw)

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	json.Unmarshal(data, &resp)
	if resp.OK {
		t.Fatalf("expected ok=false for an unregistered command type")
	}
}

func TestMissingBearerTokenRejected(t *testing.T) {
	_, httpSrv := startTestServer(t, "secret-token")

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial without a token to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestValidBearerTokenAccepted(t *testing.T) {
	_, httpSrv := startTestServer(t, "secret-token")
	dial(t, httpSrv, "secret-token") // would Fatalf on rejection
}

func TestBroadcastDeliversEventToConnectedClient(t *testing.T) {
	s, httpSrv := startTestServer(t, "")
	ws := dial(t, httpSrv, "")

	// give the server a moment to register the connection
	time.Sleep(50 * time.Millisecond)
	s.Broadcast("harness:event", map[string]string{"kind": "complete"})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if frame.Channel != "harness:event" {
		t.Fatalf("expected channel harness:event, got %q", frame.Channel)
	}
}

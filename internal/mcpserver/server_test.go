package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	called := false
	h := authMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := &testResponseWriter{header: http.Header{}}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("handler should not run without a valid bearer token")
	}
	if rec.status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.status)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	called := false
	h := authMiddleware("secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := &testResponseWriter{header: http.Header{}}
	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("handler should run with a valid bearer token")
	}
}

func TestServerLifecycle(t *testing.T) {
	exec := func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		return "ok:" + name, nil
	}
	s := NewServer(exec)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := s.Start(ctx, []ToolSpec{{Name: "ping", Description: "ping"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.Token == "" || handle.URL == "" {
		t.Fatalf("expected non-empty token/url, got %+v", handle)
	}
	cfg := handle.ServerConfig()
	if cfg["type"] != "http" {
		t.Fatalf("expected http transport config, got %+v", cfg)
	}
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

type testResponseWriter struct {
	header http.Header
	status int
}

func (w *testResponseWriter) Header() http.Header         { return w.header }
func (w *testResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *testResponseWriter) WriteHeader(status int)      { w.status = status }

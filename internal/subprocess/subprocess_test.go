package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := &Runner{overrides: map[string]string{}, prior: map[string]*string{}}
	res := r.Run(context.Background(), "echo", []string{"hello"}, Options{Timeout: 5 * time.Second})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
}

func TestRunTimeout(t *testing.T) {
	r := &Runner{overrides: map[string]string{}, prior: map[string]*string{}}
	res := r.Run(context.Background(), "sleep", []string{"5"}, Options{Timeout: 100 * time.Millisecond})
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestRunNotFound(t *testing.T) {
	r := &Runner{overrides: map[string]string{}, prior: map[string]*string{}}
	res := r.Run(context.Background(), "definitely-not-a-real-binary-xyz", nil, Options{Timeout: time.Second})
	if res.Success {
		t.Fatalf("expected failure for missing binary")
	}
	if !res.NotFound {
		t.Fatalf("expected NotFound, got %+v", res)
	}
}

func TestPerCallEnvOverridesGlobal(t *testing.T) {
	r := &Runner{
		overrides: map[string]string{"FOO": "global"},
		prior:     map[string]*string{},
	}
	env := buildEnv(r.globalOverrides(), map[string]string{"FOO": "percall"})
	found := false
	for _, e := range env {
		if e == "FOO=percall" {
			found = true
		}
		if e == "FOO=global" {
			t.Fatalf("global override should have been shadowed by per-call env")
		}
	}
	if !found {
		t.Fatalf("expected FOO=percall in env, got %v", env)
	}
}

func TestBoundedBufferTruncatesSilently(t *testing.T) {
	b := newBoundedBuffer(4)
	n, err := b.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("Write must report full length even when truncating, got %d", n)
	}
	if b.String() != "hell" {
		t.Fatalf("expected truncated buffer, got %q", b.String())
	}
}

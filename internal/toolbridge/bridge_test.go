package toolbridge

import (
	"context"
	"testing"
	"time"

	"github.com/openade/broker/internal/envelope"
)

func TestInvokeResolvesOnRespond(t *testing.T) {
	var emitted []envelope.Envelope
	b := New(func(executionID string, env envelope.Envelope) {
		emitted = append(emitted, env)
	})

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		text, err := b.Invoke(context.Background(), "exec-1", "read_file", nil)
		errCh <- err
		resultCh <- text
	}()

	time.Sleep(10 * time.Millisecond)
	if len(emitted) != 1 || emitted[0].Kind != envelope.KindToolCall {
		t.Fatalf("expected one tool_call envelope, got %+v", emitted)
	}
	callID := emitted[0].CallID

	if err := b.Respond(callID, &Result{Content: []ResultContent{{Text: "hello "}, {Text: "world"}}}, ""); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if got := <-resultCh; got != "hello world" {
		t.Fatalf("expected joined content, got %q", got)
	}
}

func TestRespondUnknownCallID(t *testing.T) {
	b := New(func(string, envelope.Envelope) {})
	if err := b.Respond("nonexistent", &Result{}, ""); err == nil {
		t.Fatalf("expected error for unknown callId")
	}
}

func TestAbortExecutionRejectsPending(t *testing.T) {
	b := New(func(string, envelope.Envelope) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "exec-1", "shell", nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	b.AbortExecution("exec-1")

	err := <-errCh
	if err == nil || err.Error() != "aborted" {
		t.Fatalf("expected aborted error, got %v", err)
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	b := New(func(string, envelope.Envelope) {})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(ctx, "exec-1", "shell", nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

//go:build unix

package ptyexec

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

type recordingSink struct {
	chunks chan string
	exit   chan ExitInfo
}

func newRecordingSink() *recordingSink {
	return &recordingSink{chunks: make(chan string, 64), exit: make(chan ExitInfo, 1)}
}

func (s *recordingSink) SendChunk(b64 string) { s.chunks <- b64 }
func (s *recordingSink) SendExit(info ExitInfo) { s.exit <- info }

func TestSpawnWriteAndReadEcho(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	sink := newRecordingSink()
	if err := sup.Spawn("p1", t.TempDir(), 80, 24, nil, sink); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	input := base64.StdEncoding.EncodeToString([]byte("echo hi-from-pty\n"))
	if err := sup.Write("p1", input); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var combined strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk := <-sink.chunks:
			data, err := base64.StdEncoding.DecodeString(chunk)
			if err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			combined.Write(data)
			if strings.Contains(combined.String(), "hi-from-pty") {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for echoed output, got: %q", combined.String())
		}
	}
}

func TestRespawnSameIDRebindsSink(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	first := newRecordingSink()
	if err := sup.Spawn("p1", t.TempDir(), 80, 24, nil, first); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	second := newRecordingSink()
	if err := sup.Spawn("p1", t.TempDir(), 80, 24, nil, second); err != nil {
		t.Fatalf("respawn same id: %v", err)
	}

	input := base64.StdEncoding.EncodeToString([]byte("echo rebound\n"))
	if err := sup.Write("p1", input); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-second.chunks:
	case <-first.chunks:
		t.Fatalf("output delivered to stale sink instead of the rebound one")
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for output on rebound sink")
	}
}

func TestKillTerminatesSession(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	sink := newRecordingSink()
	if err := sup.Spawn("p1", t.TempDir(), 80, 24, nil, sink); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := sup.Kill("p1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-sink.exit:
	case <-time.After(6 * time.Second):
		t.Fatalf("expected an exit event within the SIGTERM/SIGKILL escalation window")
	}
}

func TestReconnectReplaysBufferedChunksBeforeNew(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()

	first := newRecordingSink()
	if err := sup.Spawn("p1", t.TempDir(), 80, 24, nil, first); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	input := base64.StdEncoding.EncodeToString([]byte("echo buffered\n"))
	if err := sup.Write("p1", input); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	second := newRecordingSink()
	found, chunks, exitInfo := sup.Reconnect("p1", second)
	if !found {
		t.Fatalf("expected ptyId p1 to be found")
	}
	if len(chunks) == 0 {
		t.Fatalf("expected replayed chunks from before reconnect")
	}
	if exitInfo != nil {
		t.Fatalf("session is still alive, expected no synthesized exit")
	}
}

func TestWriteToUnknownPtyIDErrors(t *testing.T) {
	sup := NewSupervisor()
	defer sup.Close()
	if err := sup.Write("nonexistent", ""); err == nil {
		t.Fatalf("expected error for unknown ptyId")
	}
}

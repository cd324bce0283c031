package broker

import (
	"context"
	"testing"
	"time"

	"github.com/openade/broker/internal/envelope"
	"github.com/openade/broker/internal/harness"
	"github.com/openade/broker/internal/subprocess"
)

// fakeHarness lets tests drive the broker's streaming loop directly without
// spawning a real CLI.
type fakeHarness struct {
	id  string
	out chan envelope.Envelope

	lastQuery harness.Query
}

func (f *fakeHarness) ID() string                        { return f.id }
func (f *fakeHarness) Capabilities() harness.Capabilities { return harness.Capabilities{} }
func (f *fakeHarness) CheckInstallStatus(ctx context.Context) harness.InstallStatus {
	return harness.InstallStatus{Installed: true}
}
func (f *fakeHarness) DiscoverSlashCommands(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}
func (f *fakeHarness) Query(ctx context.Context, q harness.Query) <-chan envelope.Envelope {
	f.lastQuery = q
	return f.out
}

type recordingSink struct {
	events chan envelope.Envelope
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan envelope.Envelope, 64)}
}

func (s *recordingSink) Send(e envelope.Envelope) { s.events <- e }

func newTestBroker(t *testing.T) (*Broker, *fakeHarness) {
	t.Helper()
	reg := harness.NewRegistry(subprocess.NewRunner(context.Background()), nil)
	fh := &fakeHarness{id: "fake", out: make(chan envelope.Envelope, 16)}
	reg.Register(fh)
	return New(reg, false), fh
}

func TestStartQueryStreamsToSinkAndCompletes(t *testing.T) {
	b, fh := newTestBroker(t)
	sink := newRecordingSink()

	err := b.StartQuery(context.Background(), "exec-1", []harness.PromptPart{{Type: "text", Text: "hi"}}, StartQueryOptions{HarnessID: "fake"}, sink)
	if err != nil {
		t.Fatalf("StartQuery: %v", err)
	}

	fh.out <- envelope.SessionStarted("sess-1")
	fh.out <- envelope.Complete(&envelope.Usage{InputTokens: 1, OutputTokens: 1})
	close(fh.out)

	var got []envelope.Envelope
	for i := 0; i < 2; i++ {
		select {
		case e := <-sink.events:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
	if got[0].Kind != envelope.KindSessionStarted || got[1].Kind != envelope.KindComplete {
		t.Fatalf("unexpected envelope sequence: %+v", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		found, events := b.Reconnect("exec-1", sink)
		if found && len(events) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution did not reach completed state with buffered events")
}

func TestStartQueryRejectsDuplicateExecutionID(t *testing.T) {
	b, fh := newTestBroker(t)
	sink := newRecordingSink()

	if err := b.StartQuery(context.Background(), "exec-1", nil, StartQueryOptions{HarnessID: "fake"}, sink); err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	if err := b.StartQuery(context.Background(), "exec-1", nil, StartQueryOptions{HarnessID: "fake"}, sink); err == nil {
		t.Fatalf("expected error starting a duplicate executionId")
	}
	close(fh.out)
}

func TestStartQueryThreadsToolOptionsIntoHarnessQuery(t *testing.T) {
	b, fh := newTestBroker(t)
	defer close(fh.out)
	sink := newRecordingSink()

	opts := StartQueryOptions{
		HarnessID:            "fake",
		Model:                "opus",
		ForceSubagentModel:   true,
		AllowedTools:         []string{"Read"},
		DisallowedTools:      []string{"Bash"},
		DisablePlanningTools: true,
	}
	if err := b.StartQuery(context.Background(), "exec-1", nil, opts, sink); err != nil {
		t.Fatalf("StartQuery: %v", err)
	}

	q := fh.lastQuery
	if !q.ForceSubagentModel {
		t.Fatalf("expected ForceSubagentModel to be threaded through")
	}
	if len(q.AllowedTools) != 1 || q.AllowedTools[0] != "Read" {
		t.Fatalf("unexpected AllowedTools: %+v", q.AllowedTools)
	}
	want := map[string]bool{"Bash": true, "TodoWrite": true, "ExitPlanMode": true}
	if len(q.DisallowedTools) != len(want) {
		t.Fatalf("unexpected DisallowedTools: %+v", q.DisallowedTools)
	}
	for _, tool := range q.DisallowedTools {
		if !want[tool] {
			t.Fatalf("unexpected tool in DisallowedTools: %q", tool)
		}
	}
}

func TestStartQueryUnknownHarness(t *testing.T) {
	b, fh := newTestBroker(t)
	defer close(fh.out)
	sink := newRecordingSink()
	if err := b.StartQuery(context.Background(), "exec-1", nil, StartQueryOptions{HarnessID: "nonexistent"}, sink); err == nil {
		t.Fatalf("expected error for unknown harnessId")
	}
}

func TestAbortIsIdempotentAndUnknownExecutionIsOk(t *testing.T) {
	b, fh := newTestBroker(t)
	sink := newRecordingSink()

	if err := b.StartQuery(context.Background(), "exec-1", nil, StartQueryOptions{HarnessID: "fake"}, sink); err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	if err := b.Abort("exec-1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := b.Abort("exec-1"); err != nil {
		t.Fatalf("second Abort should be a no-op: %v", err)
	}
	if err := b.Abort("never-existed"); err != nil {
		t.Fatalf("Abort on unknown executionId should be ok: %v", err)
	}
	close(fh.out)
}

func TestClearBufferAlwaysOk(t *testing.T) {
	b, fh := newTestBroker(t)
	sink := newRecordingSink()

	if err := b.StartQuery(context.Background(), "exec-1", nil, StartQueryOptions{HarnessID: "fake"}, sink); err != nil {
		t.Fatalf("StartQuery: %v", err)
	}
	close(fh.out)

	b.ClearBuffer("exec-1")
	if found, _ := b.Reconnect("exec-1", sink); found {
		t.Fatalf("expected execution to be gone after clear_buffer")
	}
	// clear_buffer on an already-gone execution must not panic or error.
	b.ClearBuffer("exec-1")
}

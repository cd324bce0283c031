package harness

import (
	"fmt"
	"sync"

	"github.com/openade/broker/internal/subprocess"
)

// Registry maps a harnessId to its implementation ("Harness
// registry entity"), mirroring the tagged-choice factory pattern of
// a provider-lookup map but keyed by a fixed id rather than
// switching on config at call time.
type Registry struct {
	mu        sync.RWMutex
	harnesses map[string]Harness
}

// NewRegistry builds the default registry wired to the given runner.
// binOverrides maps a harnessId to a configured binary path override
//, looked up by the fixed ids "claude-code" and "codex".
func NewRegistry(runner *subprocess.Runner, binOverrides map[string]string) *Registry {
	r := &Registry{harnesses: make(map[string]Harness)}

	claude := NewClaudeHarness(runner)
	if bin := binOverrides["claude-code"]; bin != "" {
		claude = claude.WithBinary(bin)
	}
	r.Register(claude)

	codex := NewCodexHarness(runner)
	if bin := binOverrides["codex"]; bin != "" {
		codex = codex.WithBinary(bin)
	}
	r.Register(codex)

	return r
}

// Register adds or replaces a harness implementation.
func (r *Registry) Register(h Harness) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.harnesses[h.ID()] = h
}

// Get resolves a harnessId, or returns an error the broker maps to a
// pre-flight RPC failure without allocating an Execution.
func (r *Registry) Get(harnessID string) (Harness, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.harnesses[harnessID]
	if !ok {
		return nil, fmt.Errorf("unknown harness %q", harnessID)
	}
	return h, nil
}

// IDs returns all registered harness ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.harnesses))
	for id := range r.harnesses {
		ids = append(ids, id)
	}
	return ids
}

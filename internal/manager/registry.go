// Package manager implements the sub-agent manager: it spawns runners,
// tracks them in an in-process registry, forwards their events to the
// distributor, persists status transitions, and exposes handles for
// external control.
package manager

import (
	"sync"

	"github.com/ShayCichocki/conductor/internal/runner"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// lifecycle tags a registry entry's state. The tag makes "is this agent
// currently running" explicit instead of inferring it from map membership.
type lifecycle int

const (
	// lifecycleRegistered means the runner is live and owns the agent.
	lifecycleRegistered lifecycle = iota
	// lifecycleEvicted means the runner terminated; the durable record is
	// authoritative and the runner reference has been released.
	lifecycleEvicted
)

// entry is one agent's slot in the registry.
type entry struct {
	lifecycle lifecycle
	// runner is released on eviction to bound memory.
	runner runner.Runner
	// taskNodeID and agentType are retained for event tagging after the
	// runner is released.
	taskNodeID string
	agentType  string
	runID      string
	// done is closed when cleanup completes.
	done chan struct{}

	cbMu      sync.Mutex
	callbacks []func(models.StreamEvent)
}

func (e *entry) addCallback(fn func(models.StreamEvent)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *entry) snapshotCallbacks() []func(models.StreamEvent) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	out := make([]func(models.StreamEvent), len(e.callbacks))
	copy(out, e.callbacks)
	return out
}

// registry is the in-process arena of agent entries, keyed by agent ID.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) add(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = e
}

// get returns the entry for id regardless of lifecycle.
func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// live returns the entry only if the runner is still registered.
func (r *registry) live(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.lifecycle != lifecycleRegistered {
		return nil, false
	}
	return e, true
}

// evict transitions an entry to evicted and releases its runner. Returns
// false if the entry was unknown or already evicted, making cleanup
// idempotent.
func (r *registry) evict(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.lifecycle == lifecycleEvicted {
		return nil, false
	}
	e.lifecycle = lifecycleEvicted
	e.runner = nil
	return e, true
}

// liveCount returns the number of registered (non-evicted) entries.
func (r *registry) liveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.lifecycle == lifecycleRegistered {
			n++
		}
	}
	return n
}

package manager

import (
	"context"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Handle is the caller-facing control surface of one spawned agent. It
// delegates to the manager so control keeps working correctly across the
// runner's eviction.
type Handle struct {
	// ID is the agent's unique identifier.
	ID string
	// TaskNodeID is the plan node the agent is bound to.
	TaskNodeID string
	// AgentType is the kind of sub-agent.
	AgentType string

	mgr *Manager
}

// State returns the agent's current state snapshot.
func (h *Handle) State(ctx context.Context) (*models.SubAgentState, error) {
	return h.mgr.AgentState(ctx, h.ID)
}

// Wait blocks until the agent terminates and returns its final state.
func (h *Handle) Wait(ctx context.Context) (*models.SubAgentState, error) {
	return h.mgr.WaitForAgent(ctx, h.ID)
}

// Guide injects guidance into the agent. Returns false if the agent has
// already terminated.
func (h *Handle) Guide(text string) bool {
	return h.mgr.SendGuidance(h.ID, text)
}

// Cancel asks the agent to stop. Returns false if the agent has already
// terminated.
func (h *Handle) Cancel(reason string) bool {
	return h.mgr.CancelAgent(h.ID, reason)
}

// OnEvent registers a callback invoked for each of the agent's stream
// events. Callbacks run on the forwarding goroutine and must not block.
func (h *Handle) OnEvent(fn func(models.StreamEvent)) {
	if e, ok := h.mgr.reg.get(h.ID); ok {
		e.addCallback(fn)
	}
}

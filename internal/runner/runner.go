// Package runner implements the sub-agent runner: an isolated reasoning
// loop driving the inference and tool ports, bound to one task node. The
// manager consumes the narrow control surface defined here: event stream,
// guidance injection, cooperative cancellation, and state snapshots.
package runner

import (
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventType represents the type of a runner-internal event.
type EventType string

const (
	// EventStatus signals an agent status change.
	EventStatus EventType = "status"
	// EventToken carries one token delta of model output.
	EventToken EventType = "token"
	// EventReasoning carries one intermediate reasoning step.
	EventReasoning EventType = "reasoning"
	// EventToolStart signals the start of a tool invocation.
	EventToolStart EventType = "tool_start"
	// EventToolResult carries the result of a tool invocation.
	EventToolResult EventType = "tool_result"
)

// Event is one entry on a runner's internal event stream. The manager maps
// these onto the run-level stream vocabulary before distribution.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// Status is the new agent status (status events).
	Status models.AgentStatus
	// Token is the token delta (token events).
	Token string
	// Reasoning is the reasoning step text (reasoning events).
	Reasoning string
	// ToolCallID identifies the tool call (tool events).
	ToolCallID string
	// ToolName is the tool being invoked (tool events).
	ToolName string
	// ToolOutput is the tool result or error text (tool result events).
	ToolOutput string
	// Err is the error message accompanying a failed status.
	Err string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Runner is the control surface of one sub-agent. Start launches the
// reasoning loop; the events channel closes once the runner reaches a
// terminal status. Guide and Cancel are advisory: the runner observes them
// at its next step boundary. A runner that ignores its cancellation token
// is a bug in the runner, not in the manager.
type Runner interface {
	// Start launches the reasoning loop. It must be called exactly once
	// and returns immediately.
	Start()
	// Events returns the runner's event stream. The channel is closed
	// after the terminal status event is emitted.
	Events() <-chan Event
	// Guide queues guidance for the runner's next reasoning step.
	Guide(text string)
	// Cancel asks the runner to stop at its next safe point.
	Cancel(reason string)
	// State returns a snapshot of the agent's current state. After the
	// events channel closes, the snapshot is final.
	State() *models.SubAgentState
}

// Config describes the sub-agent a factory should build.
type Config struct {
	// AgentID is the identifier allocated by the manager.
	AgentID string
	// RunID is the orchestrator run the agent belongs to.
	RunID string
	// TaskNodeID is the plan node the agent is bound to.
	TaskNodeID string
	// AgentType is the kind of sub-agent.
	AgentType string
	// TaskDescription is the work the agent is asked to do.
	TaskDescription string
	// UpstreamContext carries results from completed dependency nodes.
	UpstreamContext string
	// AdditionalTools lists extra tool IDs granted to this agent.
	AdditionalTools []string
}

// Factory builds runners for the manager.
type Factory interface {
	NewRunner(cfg Config) Runner
}

// newState builds the initial SubAgentState for a runner config.
func newState(cfg Config) *models.SubAgentState {
	return &models.SubAgentState{
		ID:              cfg.AgentID,
		RunID:           cfg.RunID,
		TaskNodeID:      cfg.TaskNodeID,
		AgentType:       cfg.AgentType,
		Status:          models.AgentStatusInitializing,
		TaskDescription: cfg.TaskDescription,
		UpstreamContext: cfg.UpstreamContext,
		AdditionalTools: cfg.AdditionalTools,
		StartedAt:       time.Now(),
	}
}

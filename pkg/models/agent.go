package models

import "time"

// AgentStatus represents the current state of a sub-agent.
// Transitions are monotonic: there is no transition out of a terminal state.
type AgentStatus string

const (
	// AgentStatusInitializing indicates the agent record exists but the
	// runner has not started its loop yet.
	AgentStatusInitializing AgentStatus = "initializing"
	// AgentStatusRunning indicates the runner is actively working.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusCompleted indicates the agent finished its task.
	AgentStatusCompleted AgentStatus = "completed"
	// AgentStatusFailed indicates the agent's execution failed.
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusCancelled indicates the agent was cancelled.
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusInitializing, AgentStatusRunning, AgentStatusCompleted,
		AgentStatusFailed, AgentStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed || s == AgentStatusCancelled
}

// Message is one entry in an agent's conversation history.
type Message struct {
	// Role is "user", "assistant", or "tool".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
}

// ToolCallRecord captures one tool invocation made by an agent.
type ToolCallRecord struct {
	// ID is the tool call identifier assigned by the model.
	ID string `json:"id"`
	// Name is the tool that was invoked.
	Name string `json:"name"`
	// Args is the JSON-encoded arguments passed to the tool.
	Args string `json:"args,omitempty"`
	// Output is the tool's output, or its error message on failure.
	Output string `json:"output,omitempty"`
	// Success indicates whether the invocation succeeded.
	Success bool `json:"success"`
}

// SubAgentState is the persisted state of one sub-agent.
// While the runner is live the in-process copy is authoritative; once the
// runner terminates the stored copy is.
type SubAgentState struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// RunID is the orchestrator run this agent belongs to.
	RunID string `json:"run_id"`
	// TaskNodeID is the plan node this agent is bound to.
	TaskNodeID string `json:"task_node_id"`
	// AgentType is the kind of sub-agent.
	AgentType string `json:"agent_type"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// TaskDescription is the work the agent was asked to do.
	TaskDescription string `json:"task_description"`
	// UpstreamContext carries results from completed dependency nodes.
	UpstreamContext string `json:"upstream_context,omitempty"`
	// AdditionalTools lists extra tool IDs granted to this agent.
	AdditionalTools []string `json:"additional_tools,omitempty"`
	// Guidance accumulates orchestrator guidance injected into the runner.
	Guidance []string `json:"guidance,omitempty"`
	// Messages is the agent's conversation history.
	Messages []Message `json:"messages,omitempty"`
	// ToolCalls records the tool invocations the agent made.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	// ReasoningSteps records the agent's intermediate reasoning.
	ReasoningSteps []string `json:"reasoning_steps,omitempty"`
	// Artifacts maps artifact names to their content or location.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Result is the agent's final output.
	Result string `json:"result,omitempty"`
	// Error contains the error message if the agent failed.
	Error string `json:"error,omitempty"`
	// TotalTokens is the number of tokens consumed by this agent.
	TotalTokens int64 `json:"total_tokens"`
	// TotalCost is the total cost in dollars for this agent's usage.
	TotalCost float64 `json:"total_cost"`
	// StartedAt is when the agent was spawned.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the agent reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

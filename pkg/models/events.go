package models

import "time"

// StreamEventType represents the type of a run-level stream event.
type StreamEventType string

const (
	// StreamEventToken carries a token delta from an agent's model output.
	StreamEventToken StreamEventType = "token"
	// StreamEventReasoning carries one intermediate reasoning step.
	StreamEventReasoning StreamEventType = "reasoning"
	// StreamEventToolCallStarted indicates an agent began a tool call.
	StreamEventToolCallStarted StreamEventType = "tool_call_started"
	// StreamEventToolCallResult carries the result of a tool call.
	StreamEventToolCallResult StreamEventType = "tool_call_result"
	// StreamEventAgentTerminated indicates an agent reached a terminal status.
	StreamEventAgentTerminated StreamEventType = "agent_terminated"
	// StreamEventRunStatus indicates the orchestrator changed status.
	StreamEventRunStatus StreamEventType = "run_status"
)

// StreamEvent is one event on a run's event stream.
// These events are fanned out to live subscribers and mirrored to the
// cache's pub/sub channel for cross-process delivery.
type StreamEvent struct {
	// Type is the kind of event.
	Type StreamEventType `json:"type"`
	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`
	// AgentID is the ID of the related agent, if applicable.
	AgentID string `json:"agent_id,omitempty"`
	// TaskNodeID is the plan node the agent is bound to, if applicable.
	TaskNodeID string `json:"task_node_id,omitempty"`
	// Token is the token delta (token events).
	Token string `json:"token,omitempty"`
	// Reasoning is the reasoning step text (reasoning events).
	Reasoning string `json:"reasoning,omitempty"`
	// ToolCallID identifies the tool call (tool events).
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the tool being invoked (tool events).
	ToolName string `json:"tool_name,omitempty"`
	// ToolOutput is the tool result or error text (tool result events).
	ToolOutput string `json:"tool_output,omitempty"`
	// Reason is the termination reason: completed, failed, or cancelled.
	Reason string `json:"reason,omitempty"`
	// Status is the new orchestrator status (run status events).
	Status string `json:"status,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

package models

import "time"

// RunStatus represents the current state of an orchestrator run.
type RunStatus string

const (
	// RunStatusIdle indicates no user request has been received yet.
	RunStatusIdle RunStatus = "idle"
	// RunStatusPlanning indicates the plan is being assembled.
	RunStatusPlanning RunStatus = "planning"
	// RunStatusExecuting indicates ready nodes are being spawned.
	RunStatusExecuting RunStatus = "executing"
	// RunStatusMonitoring indicates agents are active and nothing new
	// is ready to spawn.
	RunStatusMonitoring RunStatus = "monitoring"
	// RunStatusCompleted indicates every plan node completed.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run ended with an unrecoverable failure.
	RunStatusFailed RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusIdle, RunStatusPlanning, RunStatusExecuting,
		RunStatusMonitoring, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the run can no longer change status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// OrchestratorState is the persisted state of one orchestrator run.
type OrchestratorState struct {
	// ID is the unique identifier for this orchestrator instance.
	ID string `json:"id"`
	// RunID identifies the run; counters, events, and agents key off it.
	RunID string `json:"run_id"`
	// UserID is the user the run is executing on behalf of.
	UserID string `json:"user_id,omitempty"`
	// Status is the current state of the run.
	Status RunStatus `json:"status"`
	// Plan is the task plan being executed.
	Plan *TaskPlan `json:"plan,omitempty"`
	// ActiveAgentIDs lists sub-agents currently running for this run.
	ActiveAgentIDs []string `json:"active_agent_ids,omitempty"`
	// LoopCounters tracks per-node retry counts.
	LoopCounters map[string]int `json:"loop_counters,omitempty"`
	// TotalInterventions is the number of interventions taken this run.
	TotalInterventions int `json:"total_interventions"`
	// TotalTokens aggregates token usage across all agents.
	TotalTokens int64 `json:"total_tokens"`
	// TotalCost aggregates cost across all agents.
	TotalCost float64 `json:"total_cost"`
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the run reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

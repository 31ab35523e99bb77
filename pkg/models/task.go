package models

import "time"

// TaskStatus represents the current state of a task node.
type TaskStatus string

const (
	// TaskStatusPending indicates the node has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates an agent is working on the node.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the node finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the node failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the node was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskNode represents one unit of work in a task plan.
// Nodes form a directed acyclic graph via their Dependencies.
type TaskNode struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// Description is what the assigned agent is asked to do.
	Description string `json:"description"`
	// AgentType selects the kind of sub-agent used for this node.
	AgentType string `json:"agent_type"`
	// Status is the current state of the node.
	Status TaskStatus `json:"status"`
	// Dependencies lists node IDs that must complete before this node.
	Dependencies []string `json:"dependencies,omitempty"`
	// AssignedAgentID is the ID of the sub-agent working on this node.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// Result holds the agent's final output once the node completes.
	Result string `json:"result,omitempty"`
	// RetryCount is the number of times this node has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// Error contains the error message if the node failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the node reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PlanStatus represents the current state of a task plan.
type PlanStatus string

const (
	// PlanStatusPlanning indicates the plan is still being assembled.
	PlanStatusPlanning PlanStatus = "planning"
	// PlanStatusExecuting indicates the plan is being executed.
	PlanStatusExecuting PlanStatus = "executing"
	// PlanStatusCompleted indicates every node completed successfully.
	PlanStatusCompleted PlanStatus = "completed"
	// PlanStatusFailed indicates an unrecoverable node failure occurred.
	PlanStatusFailed PlanStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusPlanning, PlanStatusExecuting, PlanStatusCompleted, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the plan can no longer change status.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed
}

// TaskPlan is a dependency-ordered plan of task nodes for one run.
type TaskPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`
	// RunID is the orchestrator run this plan belongs to.
	RunID string `json:"run_id"`
	// Nodes are the task nodes making up the plan.
	Nodes []*TaskNode `json:"nodes"`
	// Status is the current state of the plan.
	Status PlanStatus `json:"status"`
	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the plan was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Node returns the node with the given ID, or nil if not present.
func (p *TaskPlan) Node(id string) *TaskNode {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

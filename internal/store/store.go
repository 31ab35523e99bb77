// Package store provides the durable repository for plans, sub-agents, and
// orchestrator runs. SQLite is the default backend; the interfaces allow the
// engine to work with any state backend.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PlanStore handles task-plan persistence.
type PlanStore interface {
	SavePlan(ctx context.Context, p *models.TaskPlan) error
	GetPlan(ctx context.Context, id string) (*models.TaskPlan, error)
	GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error)
}

// AgentStore handles sub-agent persistence.
type AgentStore interface {
	SaveAgent(ctx context.Context, a *models.SubAgentState) error
	GetAgent(ctx context.Context, id string) (*models.SubAgentState, error)
	ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error)
}

// RunStore handles orchestrator-run persistence.
type RunStore interface {
	SaveRun(ctx context.Context, s *models.OrchestratorState) error
	// GetRun retrieves a run record. The Plan field is not guaranteed to
	// be hydrated; callers that need the plan use GetPlanByRun.
	GetRun(ctx context.Context, runID string) (*models.OrchestratorState, error)
	ListRuns(ctx context.Context, limit int) ([]*models.OrchestratorState, error)
	// PurgeOldRuns deletes terminated runs older than the given duration,
	// along with their plans, agents, and counters. Returns the number of
	// runs deleted.
	PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CounterStore handles the durable side of the loop-guard counters.
// These are the audit/recovery counters; the cache holds the admission
// counters.
type CounterStore interface {
	// IncrRetryCount increments the retry counter for (run, task) and
	// returns the new count.
	IncrRetryCount(ctx context.Context, runID, taskID string) (int, error)
	// RetryCount returns the retry counter for (run, task).
	RetryCount(ctx context.Context, runID, taskID string) (int, error)
	// IncrInterventions increments the intervention counter for a run and
	// returns the new count.
	IncrInterventions(ctx context.Context, runID string) (int, error)
	// Interventions returns the intervention counter for a run.
	Interventions(ctx context.Context, runID string) (int, error)
}

// Repository is the full durable-store contract the engine depends on.
type Repository interface {
	io.Closer
	PlanStore
	AgentStore
	RunStore
	CounterStore
}

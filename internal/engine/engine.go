// Package engine implements the orchestration engine: it owns the run
// state machine, drives the task plan through the sub-agent manager, and
// applies user interventions under the loop guard's ceilings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/internal/events"
	"github.com/ShayCichocki/conductor/internal/guard"
	"github.com/ShayCichocki/conductor/internal/manager"
	"github.com/ShayCichocki/conductor/internal/plan"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrNoRun indicates no run has been created or loaded.
var ErrNoRun = errors.New("no active run")

// ErrRunTerminal indicates the run already reached a terminal status.
var ErrRunTerminal = errors.New("run is terminal")

// ErrInterventionBudget indicates the intervention ceiling refused the
// directive.
var ErrInterventionBudget = errors.New("intervention budget exhausted")

// defaultMaxConcurrentAgents bounds parallel spawns when unconfigured.
const defaultMaxConcurrentAgents = 4

// completion is posted to the run loop when a spawned agent terminates.
type completion struct {
	nodeID  string
	agentID string
	state   *models.SubAgentState
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// MaxConcurrentAgents bounds how many agents run at once.
	MaxConcurrentAgents int
	// Logger receives engine logs.
	Logger zerolog.Logger
}

// Engine drives one orchestrator run at a time.
type Engine struct {
	repo  store.Repository
	cache cache.Cache
	guard *guard.Guard
	dist  *events.Distributor
	mgr   *manager.Manager
	log   zerolog.Logger

	maxConcurrent int

	mu          sync.Mutex
	state       *models.OrchestratorState
	plan        *plan.Plan
	active      map[string]string // agent ID -> node ID
	completions chan completion
}

// New creates an Engine over the given ports. The manager's spawn
// validation is installed here: a node may be assigned an agent only when
// every dependency has completed.
func New(repo store.Repository, c cache.Cache, g *guard.Guard, dist *events.Distributor, mgr *manager.Manager, opts Options) *Engine {
	maxConcurrent := opts.MaxConcurrentAgents
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentAgents
	}

	e := &Engine{
		repo:          repo,
		cache:         c,
		guard:         g,
		dist:          dist,
		mgr:           mgr,
		log:           opts.Logger,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]string),
		completions:   make(chan completion, 64),
	}
	mgr.SetReadyCheck(e.checkNodeReady)
	return e
}

// NewRun creates a run from the given task nodes, validates the dependency
// graph, and persists the initial state. The run starts in planning and is
// ready for Execute.
func (e *Engine) NewRun(ctx context.Context, userID string, nodes []*models.TaskNode) (string, error) {
	runID := uuid.New().String()
	now := time.Now()

	for _, n := range nodes {
		if n.Status == "" {
			n.Status = models.TaskStatusPending
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
	}

	taskPlan := &models.TaskPlan{
		ID:        uuid.New().String(),
		RunID:     runID,
		Nodes:     nodes,
		Status:    models.PlanStatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	pl, err := plan.New(taskPlan)
	if err != nil {
		return "", fmt.Errorf("validate plan: %w", err)
	}

	state := &models.OrchestratorState{
		ID:           uuid.New().String(),
		RunID:        runID,
		UserID:       userID,
		Status:       models.RunStatusPlanning,
		Plan:         taskPlan,
		LoopCounters: make(map[string]int),
		StartedAt:    now,
	}

	if err := e.repo.SavePlan(ctx, taskPlan); err != nil {
		return "", fmt.Errorf("persist plan: %w", err)
	}
	if err := e.repo.SaveRun(ctx, state); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}

	e.mu.Lock()
	e.state = state
	e.plan = pl
	e.mu.Unlock()

	e.log.Info().Str("run_id", runID).Int("nodes", len(nodes)).Msg("[engine] run created")
	return runID, nil
}

// LoadRun restores a previously persisted run for recovery. Guard counters
// are reseeded from the repository, and nodes left in_progress by a dead
// process are reset to pending so they can be respawned.
func (e *Engine) LoadRun(ctx context.Context, runID string) error {
	state, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, ErrRunTerminal)
	}

	taskPlan := state.Plan
	if taskPlan == nil {
		taskPlan, err = e.repo.GetPlanByRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("load plan for run %s: %w", runID, err)
		}
		state.Plan = taskPlan
	}

	pl, err := plan.New(taskPlan)
	if err != nil {
		return fmt.Errorf("validate recovered plan: %w", err)
	}

	reset := 0
	for _, n := range taskPlan.Nodes {
		if n.Status == models.TaskStatusInProgress {
			n.Status = models.TaskStatusPending
			n.AssignedAgentID = ""
			reset++
		}
	}

	taskIDs := make([]string, 0, len(taskPlan.Nodes))
	for _, n := range taskPlan.Nodes {
		taskIDs = append(taskIDs, n.ID)
	}
	if err := e.guard.Reconcile(ctx, runID, taskIDs); err != nil {
		return fmt.Errorf("reconcile guard counters: %w", err)
	}

	e.mu.Lock()
	e.state = state
	e.plan = pl
	e.mu.Unlock()

	if reset > 0 {
		e.persistAll(ctx)
	}

	e.log.Info().Str("run_id", runID).Int("reset_nodes", reset).Msg("[engine] run recovered")
	return nil
}

// State returns a snapshot of the current run state, or nil if no run is
// loaded.
func (e *Engine) State() *models.OrchestratorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	snapshot := *e.state
	return &snapshot
}

// RunID returns the active run's ID, or empty if no run is loaded.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ""
	}
	return e.state.RunID
}

// checkNodeReady is the manager's spawn validation: the node must exist
// and all of its dependencies must be completed.
func (e *Engine) checkNodeReady(runID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil || e.state.RunID != runID {
		return fmt.Errorf("run %s is not loaded", runID)
	}
	n := e.plan.Node(nodeID)
	if n == nil {
		return fmt.Errorf("node %s does not exist", nodeID)
	}
	for _, depID := range e.plan.Dependencies(nodeID) {
		dep := e.plan.Node(depID)
		if dep == nil || dep.Status != models.TaskStatusCompleted {
			return fmt.Errorf("dependency %s of node %s is not completed", depID, nodeID)
		}
	}
	return nil
}

// setRunStatus transitions the run status, persists it, and publishes a
// run_status event. Transitions out of a terminal status are ignored.
func (e *Engine) setRunStatus(ctx context.Context, status models.RunStatus, message string) {
	e.mu.Lock()
	if e.state == nil || e.state.Status.Terminal() || e.state.Status == status {
		e.mu.Unlock()
		return
	}
	e.state.Status = status
	if status.Terminal() {
		now := time.Now()
		e.state.CompletedAt = &now
	}
	runID := e.state.RunID
	e.mu.Unlock()

	e.persistRun(ctx)

	if err := e.dist.Publish(ctx, runID, models.StreamEvent{
		Type:    models.StreamEventRunStatus,
		Status:  string(status),
		Message: message,
	}); err != nil {
		e.log.Warn().Err(err).Str("run_id", runID).Msg("[engine] run status publish failed")
	}

	e.log.Info().Str("run_id", runID).Str("status", string(status)).Msg("[engine] run status changed")
}

// persistRun saves the run state, logging failures.
func (e *Engine) persistRun(ctx context.Context) {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return
	}
	snapshot := *e.state
	e.mu.Unlock()

	if err := e.repo.SaveRun(ctx, &snapshot); err != nil {
		e.log.Error().Err(err).Str("run_id", snapshot.RunID).Msg("[engine] run persist failed")
	}
}

// persistPlan saves the plan, logging failures.
func (e *Engine) persistPlan(ctx context.Context) {
	e.mu.Lock()
	if e.plan == nil {
		e.mu.Unlock()
		return
	}
	taskPlan := e.plan.Spec()
	e.mu.Unlock()

	if err := e.repo.SavePlan(ctx, taskPlan); err != nil {
		e.log.Error().Err(err).Str("plan_id", taskPlan.ID).Msg("[engine] plan persist failed")
	}
}

func (e *Engine) persistAll(ctx context.Context) {
	e.persistPlan(ctx)
	e.persistRun(ctx)
}

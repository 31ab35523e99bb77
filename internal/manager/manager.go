package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/internal/events"
	"github.com/ShayCichocki/conductor/internal/runner"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrUnknownAgent indicates the agent ID matches neither a live registry
// entry nor a durable record.
var ErrUnknownAgent = errors.New("unknown agent")

// ActiveSetKey returns the cache key of a run's active-agent set.
func ActiveSetKey(runID string) string {
	return "run:active:" + runID
}

// ReadyCheck validates that a task node may be assigned an agent. The
// engine installs a check that requires all dependencies completed.
type ReadyCheck func(runID, taskNodeID string) error

// SpawnConfig describes the agent to spawn for a task node.
type SpawnConfig struct {
	// TaskNodeID is the plan node the agent will work on.
	TaskNodeID string
	// AgentType is the kind of sub-agent to spawn.
	AgentType string
	// TaskDescription is the work the agent is asked to do.
	TaskDescription string
	// UpstreamContext carries results from completed dependency nodes.
	UpstreamContext string
	// AdditionalTools lists extra tool IDs granted to this agent.
	AdditionalTools []string
}

// Manager owns the lifecycle of sub-agents: it spawns runners, registers
// them, forwards their events, persists their status transitions, and
// cleans up when they terminate.
type Manager struct {
	repo    store.Repository
	cache   cache.Cache
	dist    *events.Distributor
	factory runner.Factory
	log     zerolog.Logger
	reg     *registry

	readyCheck ReadyCheck
}

// New creates a Manager.
func New(repo store.Repository, c cache.Cache, dist *events.Distributor, factory runner.Factory, log zerolog.Logger) *Manager {
	return &Manager{
		repo:    repo,
		cache:   c,
		dist:    dist,
		factory: factory,
		log:     log,
		reg:     newRegistry(),
	}
}

// SetReadyCheck installs the validation applied before every spawn.
func (m *Manager) SetReadyCheck(fn ReadyCheck) {
	m.readyCheck = fn
}

// SpawnAgent creates and starts a sub-agent for a task node. The agent is
// persisted as initializing, added to the run's active set, registered,
// and its runner started. The returned handle is the control surface for
// the caller.
func (m *Manager) SpawnAgent(ctx context.Context, runID string, cfg SpawnConfig) (*Handle, error) {
	if cfg.TaskNodeID == "" {
		return nil, fmt.Errorf("spawn agent: task node ID is required")
	}
	if m.readyCheck != nil {
		if err := m.readyCheck(runID, cfg.TaskNodeID); err != nil {
			return nil, fmt.Errorf("spawn agent for node %s: %w", cfg.TaskNodeID, err)
		}
	}

	agentType := cfg.AgentType
	if agentType == "" {
		agentType = "general"
	}

	id := uuid.New().String()
	r := m.factory.NewRunner(runner.Config{
		AgentID:         id,
		RunID:           runID,
		TaskNodeID:      cfg.TaskNodeID,
		AgentType:       agentType,
		TaskDescription: cfg.TaskDescription,
		UpstreamContext: cfg.UpstreamContext,
		AdditionalTools: cfg.AdditionalTools,
	})

	if err := m.repo.SaveAgent(ctx, r.State()); err != nil {
		return nil, fmt.Errorf("persist agent %s: %w", id, err)
	}
	if err := m.cache.SAdd(ctx, ActiveSetKey(runID), id); err != nil {
		m.log.Warn().Err(err).Str("agent_id", id).Msg("[manager] failed to add agent to active set")
	}

	e := &entry{
		lifecycle:  lifecycleRegistered,
		runner:     r,
		taskNodeID: cfg.TaskNodeID,
		agentType:  agentType,
		runID:      runID,
		done:       make(chan struct{}),
	}
	m.reg.add(id, e)

	go m.forward(id, e, r)
	r.Start()

	m.log.Info().Str("agent_id", id).Str("run_id", runID).
		Str("task_node_id", cfg.TaskNodeID).Str("agent_type", agentType).
		Msg("[manager] spawned agent")

	return &Handle{ID: id, TaskNodeID: cfg.TaskNodeID, AgentType: agentType, mgr: m}, nil
}

// AgentState returns an agent's state. While the runner is registered the
// in-process snapshot is authoritative; after eviction the durable record is.
func (m *Manager) AgentState(ctx context.Context, agentID string) (*models.SubAgentState, error) {
	if e, ok := m.reg.live(agentID); ok {
		return e.runner.State(), nil
	}
	st, err := m.repo.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrUnknownAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	return st, nil
}

// Agent reconstructs a handle for an agent ID. For a live agent the handle
// carries the full control surface; after eviction it still serves state
// reads while Guide and Cancel report false.
func (m *Manager) Agent(ctx context.Context, agentID string) (*Handle, error) {
	if e, ok := m.reg.get(agentID); ok {
		return &Handle{ID: agentID, TaskNodeID: e.taskNodeID, AgentType: e.agentType, mgr: m}, nil
	}
	st, err := m.repo.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrUnknownAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	return &Handle{ID: agentID, TaskNodeID: st.TaskNodeID, AgentType: st.AgentType, mgr: m}, nil
}

// SendGuidance injects guidance into a live agent. Returns false if the
// agent is not registered (already terminated or never existed); guidance
// cannot reach a terminated agent. The guidance text is persisted right
// away so a crash before the agent's next status transition cannot lose it.
func (m *Manager) SendGuidance(agentID, text string) bool {
	e, ok := m.reg.live(agentID)
	if !ok {
		return false
	}
	e.runner.Guide(text)
	if err := m.repo.SaveAgent(context.Background(), e.runner.State()); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).
			Msg("[manager] failed to persist guidance")
	}
	m.log.Debug().Str("agent_id", agentID).Msg("[manager] guidance sent")
	return true
}

// CancelAgent asks a live agent to stop. Returns false if the agent is not
// registered; cancelling an already-terminated agent is a no-op.
func (m *Manager) CancelAgent(agentID, reason string) bool {
	e, ok := m.reg.live(agentID)
	if !ok {
		return false
	}
	e.runner.Cancel(reason)
	m.log.Info().Str("agent_id", agentID).Str("reason", reason).Msg("[manager] cancel requested")
	return true
}

// CancelAllAgents cancels every agent in the run's active set and returns
// the number of cancel requests delivered.
func (m *Manager) CancelAllAgents(ctx context.Context, runID, reason string) int {
	ids, err := m.cache.SMembers(ctx, ActiveSetKey(runID))
	if err != nil {
		m.log.Warn().Err(err).Str("run_id", runID).Msg("[manager] failed to read active set")
		return 0
	}

	cancelled := 0
	for _, id := range ids {
		if m.CancelAgent(id, reason) {
			cancelled++
		}
	}
	return cancelled
}

// WaitForAgent blocks until the agent terminates or the context is done,
// then returns the agent's final state.
func (m *Manager) WaitForAgent(ctx context.Context, agentID string) (*models.SubAgentState, error) {
	e, ok := m.reg.get(agentID)
	if !ok {
		// No registry entry: the agent may predate this process. The durable
		// record resolves it if terminal.
		st, err := m.AgentState(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !st.Status.Terminal() {
			return nil, fmt.Errorf("agent %s is not tracked by this process", agentID)
		}
		return st, nil
	}

	select {
	case <-e.done:
		return m.AgentState(ctx, agentID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForAgents waits for every listed agent and returns their final
// states keyed by agent ID. A failed agent still yields a state entry;
// only lookup errors omit an entry, and those are logged.
func (m *Manager) WaitForAgents(ctx context.Context, agentIDs []string) (map[string]*models.SubAgentState, error) {
	out := make(map[string]*models.SubAgentState, len(agentIDs))
	for _, id := range agentIDs {
		st, err := m.WaitForAgent(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			m.log.Warn().Err(err).Str("agent_id", id).Msg("[manager] wait failed")
			continue
		}
		out[id] = st
	}
	return out, nil
}

// RunSummary aggregates the run's agents by status.
type RunSummary struct {
	// RunID is the run summarized.
	RunID string `json:"run_id"`
	// Total is the number of agents ever spawned for the run.
	Total int `json:"total"`
	// ByStatus counts agents per status.
	ByStatus map[models.AgentStatus]int `json:"by_status"`
	// Active is the number of runners still registered in this process.
	Active int `json:"active"`
	// TotalTokens sums token usage across the run's agents.
	TotalTokens int64 `json:"total_tokens"`
}

// Summary builds a status summary for a run from the durable records.
func (m *Manager) Summary(ctx context.Context, runID string) (*RunSummary, error) {
	agents, err := m.repo.ListAgentsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list agents for run %s: %w", runID, err)
	}

	s := &RunSummary{
		RunID:    runID,
		Total:    len(agents),
		ByStatus: make(map[models.AgentStatus]int),
		Active:   m.reg.liveCount(),
	}
	for _, a := range agents {
		s.ByStatus[a.Status]++
		s.TotalTokens += a.TotalTokens
	}
	return s, nil
}

// forward consumes the runner's event stream until it closes, persisting
// status transitions and relaying mapped events, then cleans up.
func (m *Manager) forward(agentID string, e *entry, r runner.Runner) {
	ctx := context.Background()

	for ev := range r.Events() {
		if ev.Type == runner.EventStatus {
			if err := m.repo.SaveAgent(ctx, r.State()); err != nil {
				m.log.Error().Err(err).Str("agent_id", agentID).
					Msg("[manager] failed to persist status transition")
			}
		}

		mapped, ok := mapEvent(agentID, e, ev)
		if !ok {
			continue
		}

		for _, cb := range e.snapshotCallbacks() {
			cb(mapped)
		}
		if m.dist != nil {
			if err := m.dist.Publish(ctx, e.runID, mapped); err != nil {
				m.log.Warn().Err(err).Str("agent_id", agentID).Msg("[manager] publish failed")
			}
		}
	}

	m.cleanup(ctx, agentID, e, r.State())
}

// cleanup persists the final state, removes the agent from the active set,
// and evicts the registry entry. It is idempotent: the eviction guard makes
// the second call a no-op.
func (m *Manager) cleanup(ctx context.Context, agentID string, e *entry, final *models.SubAgentState) {
	evicted, ok := m.reg.evict(agentID)
	if !ok {
		return
	}

	// A runner whose stream closed without a terminal status is a runner
	// bug; record it as failed so the durable state is never left dangling.
	if !final.Status.Terminal() {
		final.Status = models.AgentStatusFailed
		if final.Error == "" {
			final.Error = "runner exited without terminal status"
		}
		now := time.Now()
		final.CompletedAt = &now
	}

	if err := m.repo.SaveAgent(ctx, final); err != nil {
		m.log.Error().Err(err).Str("agent_id", agentID).
			Msg("[manager] failed to persist final state")
	}
	if err := m.cache.SRem(ctx, ActiveSetKey(e.runID), agentID); err != nil {
		m.log.Warn().Err(err).Str("agent_id", agentID).
			Msg("[manager] failed to remove agent from active set")
	}

	close(evicted.done)

	m.log.Info().Str("agent_id", agentID).Str("run_id", e.runID).
		Str("status", string(final.Status)).Msg("[manager] agent terminated")
}

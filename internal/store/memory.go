package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Memory is an in-memory Repository used by tests and dry runs.
// Records are deep-copied through JSON so callers can't mutate stored state.
type Memory struct {
	mu       sync.RWMutex
	plans    map[string]*models.TaskPlan
	agents   map[string]*models.SubAgentState
	runs     map[string]*models.OrchestratorState
	counters map[string]int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		plans:    make(map[string]*models.TaskPlan),
		agents:   make(map[string]*models.SubAgentState),
		runs:     make(map[string]*models.OrchestratorState),
		counters: make(map[string]int),
	}
}

func counterKey(runID, taskID string) string {
	return runID + "\x00" + taskID
}

func clone[T any](in *T) *T {
	data, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// SavePlan stores a copy of the plan.
func (m *Memory) SavePlan(ctx context.Context, p *models.TaskPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = clone(p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (m *Memory) GetPlan(ctx context.Context, id string) (*models.TaskPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

// GetPlanByRun retrieves the plan for a run.
func (m *Memory) GetPlanByRun(ctx context.Context, runID string) (*models.TaskPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.RunID == runID {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}

// SaveAgent stores a copy of the sub-agent record.
func (m *Memory) SaveAgent(ctx context.Context, a *models.SubAgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = clone(a)
	return nil
}

// GetAgent retrieves a sub-agent record by ID.
func (m *Memory) GetAgent(ctx context.Context, id string) (*models.SubAgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

// ListAgentsByRun retrieves all sub-agent records for a run.
func (m *Memory) ListAgentsByRun(ctx context.Context, runID string) ([]*models.SubAgentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SubAgentState
	for _, a := range m.agents {
		if a.RunID == runID {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

// SaveRun stores a copy of the orchestrator-run record.
func (m *Memory) SaveRun(ctx context.Context, s *models.OrchestratorState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[s.RunID] = clone(s)
	return nil
}

// GetRun retrieves an orchestrator-run record.
func (m *Memory) GetRun(ctx context.Context, runID string) (*models.OrchestratorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ListRuns retrieves stored runs, newest first.
func (m *Memory) ListRuns(ctx context.Context, limit int) ([]*models.OrchestratorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.OrchestratorState
	for _, s := range m.runs {
		out = append(out, clone(s))
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartedAt.After(out[i].StartedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeOldRuns deletes terminated runs older than the given duration.
func (m *Memory) PurgeOldRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for runID, s := range m.runs {
		if !s.Status.Terminal() || !s.StartedAt.Before(cutoff) {
			continue
		}
		delete(m.runs, runID)
		for id, p := range m.plans {
			if p.RunID == runID {
				delete(m.plans, id)
			}
		}
		for id, a := range m.agents {
			if a.RunID == runID {
				delete(m.agents, id)
			}
		}
		for key := range m.counters {
			if len(key) >= len(runID) && key[:len(runID)] == runID {
				delete(m.counters, key)
			}
		}
		purged++
	}
	return purged, nil
}

// IncrRetryCount increments the retry counter for (run, task).
func (m *Memory) IncrRetryCount(ctx context.Context, runID, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := counterKey(runID, taskID)
	m.counters[key]++
	return m.counters[key], nil
}

// RetryCount returns the retry counter for (run, task).
func (m *Memory) RetryCount(ctx context.Context, runID, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterKey(runID, taskID)], nil
}

// IncrInterventions increments the intervention counter for a run.
func (m *Memory) IncrInterventions(ctx context.Context, runID string) (int, error) {
	return m.IncrRetryCount(ctx, runID, "")
}

// Interventions returns the intervention counter for a run.
func (m *Memory) Interventions(ctx context.Context, runID string) (int, error) {
	return m.RetryCount(ctx, runID, "")
}

// Close is a no-op for the in-memory repository.
func (m *Memory) Close() error {
	return nil
}

// Compile-time verification that Memory implements Repository.
var _ Repository = (*Memory)(nil)

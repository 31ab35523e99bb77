package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/manager"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Execute drives the run to a terminal status and returns the final state.
// The loop alternates between executing (spawning ready nodes) and
// monitoring (waiting for agent completions); agent failures are retried
// under the loop guard until the budget refuses.
func (e *Engine) Execute(ctx context.Context) (*models.OrchestratorState, error) {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return nil, ErrNoRun
	}
	if e.state.Status.Terminal() {
		state := *e.state
		e.mu.Unlock()
		return &state, ErrRunTerminal
	}
	runID := e.state.RunID
	e.plan.Spec().Status = models.PlanStatusExecuting
	e.mu.Unlock()

	e.setRunStatus(ctx, models.RunStatusExecuting, "")
	e.persistPlan(ctx)

	for {
		if err := ctx.Err(); err != nil {
			e.abort(runID, "context cancelled")
			return e.State(), err
		}

		spawned := e.spawnReady(ctx, runID)

		if done, failed := e.terminalCheck(); done {
			return e.finish(ctx, failed)
		}

		if spawned > 0 {
			e.setRunStatus(ctx, models.RunStatusExecuting, "")
		} else {
			e.setRunStatus(ctx, models.RunStatusMonitoring, "")
		}

		select {
		case c := <-e.completions:
			e.handleCompletion(ctx, runID, c)
		case <-ctx.Done():
			e.abort(runID, "context cancelled")
			return e.State(), ctx.Err()
		}
	}
}

// spawnReady spawns agents for every ready node, up to the concurrency
// limit, and returns the number spawned.
func (e *Engine) spawnReady(ctx context.Context, runID string) int {
	e.mu.Lock()
	ready := e.plan.ReadyNodes()
	slots := e.maxConcurrent - len(e.active)
	e.mu.Unlock()

	spawned := 0
	for _, n := range ready {
		if slots <= 0 {
			break
		}
		if e.spawnNode(ctx, runID, n) {
			spawned++
			slots--
		}
	}

	if spawned > 0 {
		e.persistAll(ctx)
	}
	return spawned
}

// spawnNode spawns one agent for a node. A spawn failure marks the node
// failed immediately; the retry path runs through handleCompletion like any
// other failure would, keeping a single failure path.
func (e *Engine) spawnNode(ctx context.Context, runID string, n *models.TaskNode) bool {
	h, err := e.mgr.SpawnAgent(ctx, runID, manager.SpawnConfig{
		TaskNodeID:      n.ID,
		AgentType:       n.AgentType,
		TaskDescription: n.Description,
		UpstreamContext: e.upstreamContext(n.ID),
	})
	if err != nil {
		e.log.Error().Err(err).Str("node_id", n.ID).Msg("[engine] spawn failed")
		e.mu.Lock()
		n.Error = fmt.Sprintf("spawn failed: %v", err)
		_ = e.plan.SetNodeStatus(n.ID, models.TaskStatusFailed)
		e.mu.Unlock()
		return false
	}

	e.mu.Lock()
	if err := e.plan.SetNodeStatus(n.ID, models.TaskStatusInProgress); err != nil {
		e.mu.Unlock()
		e.log.Error().Err(err).Str("node_id", n.ID).Msg("[engine] node transition failed")
		h.Cancel("node transition failed")
		return false
	}
	n.AssignedAgentID = h.ID
	e.active[h.ID] = n.ID
	e.state.ActiveAgentIDs = append(e.state.ActiveAgentIDs, h.ID)
	e.mu.Unlock()

	go func(nodeID, agentID string, h *manager.Handle) {
		st, err := h.Wait(context.Background())
		if err != nil {
			e.log.Error().Err(err).Str("agent_id", agentID).Msg("[engine] wait failed")
			st = &models.SubAgentState{
				ID:         agentID,
				TaskNodeID: nodeID,
				Status:     models.AgentStatusFailed,
				Error:      err.Error(),
			}
		}
		e.completions <- completion{nodeID: nodeID, agentID: agentID, state: st}
	}(n.ID, h.ID, h)

	return true
}

// handleCompletion applies one agent's terminal state to the plan.
func (e *Engine) handleCompletion(ctx context.Context, runID string, c completion) {
	e.mu.Lock()
	delete(e.active, c.agentID)
	e.state.ActiveAgentIDs = removeID(e.state.ActiveAgentIDs, c.agentID)
	e.state.TotalTokens += c.state.TotalTokens
	e.state.TotalCost += c.state.TotalCost
	n := e.plan.Node(c.nodeID)
	e.mu.Unlock()

	if n == nil {
		e.log.Error().Str("node_id", c.nodeID).Msg("[engine] completion for unknown node")
		return
	}

	// A directive may have forced the node terminal already; the agent's
	// late outcome must not overwrite it.
	e.mu.Lock()
	terminal := n.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		e.persistAll(ctx)
		return
	}

	switch c.state.Status {
	case models.AgentStatusCompleted:
		e.mu.Lock()
		n.Result = c.state.Result
		_ = e.plan.SetNodeStatus(c.nodeID, models.TaskStatusCompleted)
		e.mu.Unlock()
		e.log.Info().Str("node_id", c.nodeID).Str("agent_id", c.agentID).Msg("[engine] node completed")

	case models.AgentStatusCancelled:
		e.mu.Lock()
		n.Error = c.state.Error
		_ = e.plan.SetNodeStatus(c.nodeID, models.TaskStatusCancelled)
		e.mu.Unlock()
		e.log.Info().Str("node_id", c.nodeID).Msg("[engine] node cancelled")

	default:
		e.handleFailure(ctx, runID, c, n)
	}

	e.persistAll(ctx)
}

// handleFailure retries a failed node if the loop guard admits it,
// otherwise marks the node failed for good.
func (e *Engine) handleFailure(ctx context.Context, runID string, c completion, n *models.TaskNode) {
	decision := e.guard.CanRetryTask(ctx, runID, c.nodeID)
	if !decision.Allowed {
		e.mu.Lock()
		n.Error = c.state.Error
		_ = e.plan.SetNodeStatus(c.nodeID, models.TaskStatusFailed)
		e.mu.Unlock()
		e.log.Warn().Str("node_id", c.nodeID).Str("reason", decision.Reason).
			Msg("[engine] retries exhausted, node failed")
		return
	}

	rec, err := e.guard.RecordTaskRetry(ctx, runID, c.nodeID)
	if err != nil {
		e.mu.Lock()
		n.Error = c.state.Error
		_ = e.plan.SetNodeStatus(c.nodeID, models.TaskStatusFailed)
		e.mu.Unlock()
		e.log.Error().Err(err).Str("node_id", c.nodeID).Msg("[engine] retry record failed, node failed")
		return
	}

	e.mu.Lock()
	n.RetryCount = rec.NewCount
	n.AssignedAgentID = ""
	n.Error = ""
	_ = e.plan.SetNodeStatus(c.nodeID, models.TaskStatusPending)
	e.state.LoopCounters[c.nodeID] = rec.NewCount
	e.mu.Unlock()

	e.log.Info().Str("node_id", c.nodeID).Int("retry", rec.NewCount).
		Int("max", rec.MaxRetries).Bool("last", rec.IsLastRetry).
		Msg("[engine] retrying node")
}

// terminalCheck reports whether the run should terminate, and if so whether
// it failed. The run completes when every node completed; it fails when
// nothing is running and nothing more can become ready.
func (e *Engine) terminalCheck() (done, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.plan.AllCompleted() {
		return true, false
	}
	if len(e.active) == 0 && len(e.plan.ReadyNodes()) == 0 {
		return true, true
	}
	return false, false
}

// finish transitions the run and plan to their terminal statuses.
func (e *Engine) finish(ctx context.Context, failed bool) (*models.OrchestratorState, error) {
	e.mu.Lock()
	if failed {
		e.plan.Spec().Status = models.PlanStatusFailed
	} else {
		e.plan.Spec().Status = models.PlanStatusCompleted
	}
	e.mu.Unlock()
	e.persistPlan(ctx)

	if failed {
		e.setRunStatus(ctx, models.RunStatusFailed, "one or more nodes failed")
	} else {
		e.setRunStatus(ctx, models.RunStatusCompleted, "")
	}
	e.persistRun(ctx)

	return e.State(), nil
}

// abort cancels every active agent and fails the run.
func (e *Engine) abort(runID, reason string) {
	// Detached context: the caller's context is already cancelled.
	cleanupCtx := context.Background()
	cancelled := e.mgr.CancelAllAgents(cleanupCtx, runID, reason)
	e.log.Warn().Str("run_id", runID).Int("cancelled", cancelled).Str("reason", reason).
		Msg("[engine] run aborted")

	e.mu.Lock()
	e.plan.Spec().Status = models.PlanStatusFailed
	e.mu.Unlock()
	e.persistPlan(cleanupCtx)
	e.setRunStatus(cleanupCtx, models.RunStatusFailed, reason)
}

// upstreamContext assembles the results of a node's completed dependencies
// into the context block handed to its agent.
func (e *Engine) upstreamContext(nodeID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	for _, depID := range e.plan.Dependencies(nodeID) {
		dep := e.plan.Node(depID)
		if dep == nil || dep.Result == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n%s", dep.Description, dep.Result)
	}
	return b.String()
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

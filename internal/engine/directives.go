package engine

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/guard"
	"github.com/ShayCichocki/conductor/internal/plan"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Directives are user interventions into a live run. Every directive is
// admitted by the loop guard first and recorded against the run's
// intervention budget; once the budget is exhausted the run can only be
// left to finish or cancelled outright.

// admitIntervention checks the intervention budget and records the
// intervention on admission.
func (e *Engine) admitIntervention(ctx context.Context, kind string) error {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return ErrNoRun
	}
	runID := e.state.RunID
	e.mu.Unlock()

	decision := e.guard.CanIntervene(ctx, runID)
	if !decision.Allowed {
		return fmt.Errorf("%s: %w: %s", kind, ErrInterventionBudget, decision.Reason)
	}

	rec, err := e.guard.RecordIntervention(ctx, runID)
	if err != nil {
		return fmt.Errorf("%s: record intervention: %w", kind, err)
	}
	if rec.NearLimit {
		e.log.Warn().Str("run_id", runID).Int("count", rec.NewCount).Int("max", rec.MaxCount).
			Msg("[engine] intervention budget near limit")
	}

	e.mu.Lock()
	e.state.TotalInterventions = rec.NewCount
	e.mu.Unlock()
	e.persistRun(ctx)

	return nil
}

// Guide injects guidance into a live agent. The directive consumes one
// intervention.
func (e *Engine) Guide(ctx context.Context, agentID, text string) error {
	if err := e.admitIntervention(ctx, "guide"); err != nil {
		return err
	}
	if !e.mgr.SendGuidance(agentID, text) {
		return fmt.Errorf("guide: agent %s is not running", agentID)
	}
	return nil
}

// CancelAgent cancels a live agent. The directive consumes one
// intervention; the node the agent was working on follows the normal
// cancellation path in the run loop.
func (e *Engine) CancelAgent(ctx context.Context, agentID, reason string) error {
	if err := e.admitIntervention(ctx, "cancel agent"); err != nil {
		return err
	}
	if !e.mgr.CancelAgent(agentID, reason) {
		return fmt.Errorf("cancel agent: agent %s is not running", agentID)
	}
	return nil
}

// MarkNodeComplete force-completes a node with the given result, as if an
// agent had completed it. The directive consumes one intervention. An
// agent still working the node is cancelled first.
func (e *Engine) MarkNodeComplete(ctx context.Context, nodeID, result string) error {
	if err := e.admitIntervention(ctx, "mark node complete"); err != nil {
		return err
	}

	e.mu.Lock()
	n := e.plan.Node(nodeID)
	if n == nil {
		e.mu.Unlock()
		return fmt.Errorf("mark node complete: %w: node %s does not exist", plan.ErrInvalidModification, nodeID)
	}
	agentID := n.AssignedAgentID
	e.mu.Unlock()

	if agentID != "" {
		e.mgr.CancelAgent(agentID, "node force-completed")
	}

	e.mu.Lock()
	n.Result = result
	n.Error = ""
	// A pending node may not normally enter completed through in_progress
	// without its dependencies; the override is the point of the directive.
	n.Status = models.TaskStatusCompleted
	e.mu.Unlock()

	e.persistAll(ctx)
	e.log.Info().Str("node_id", nodeID).Msg("[engine] node force-completed")
	return nil
}

// MarkNodeFailed force-fails a node. The directive consumes one
// intervention. An agent still working the node is cancelled first.
func (e *Engine) MarkNodeFailed(ctx context.Context, nodeID, reason string) error {
	if err := e.admitIntervention(ctx, "mark node failed"); err != nil {
		return err
	}

	e.mu.Lock()
	n := e.plan.Node(nodeID)
	if n == nil {
		e.mu.Unlock()
		return fmt.Errorf("mark node failed: %w: node %s does not exist", plan.ErrInvalidModification, nodeID)
	}
	agentID := n.AssignedAgentID
	e.mu.Unlock()

	if agentID != "" {
		e.mgr.CancelAgent(agentID, "node force-failed")
	}

	e.mu.Lock()
	n.Error = reason
	n.Status = models.TaskStatusFailed
	e.mu.Unlock()

	e.persistAll(ctx)
	e.log.Info().Str("node_id", nodeID).Str("reason", reason).Msg("[engine] node force-failed")
	return nil
}

// ModifyPlan applies a plan edit under the engine's lock. The directive
// consumes one intervention. The edit function receives the live plan;
// returning an error leaves the plan as the edit function left it, so
// edits should be written to roll themselves back on failure; the Plan
// mutation methods already behave that way.
func (e *Engine) ModifyPlan(ctx context.Context, edit func(*plan.Plan) error) error {
	if err := e.admitIntervention(ctx, "modify plan"); err != nil {
		return err
	}

	e.mu.Lock()
	if e.plan == nil {
		e.mu.Unlock()
		return ErrNoRun
	}
	err := edit(e.plan)
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("modify plan: %w", err)
	}

	e.persistPlan(ctx)
	e.log.Info().Msg("[engine] plan modified")
	return nil
}

// CancelRun cancels every active agent and fails the run. Cancelling a run
// does not consume an intervention: it is the escape hatch that must keep
// working after the budget is exhausted.
func (e *Engine) CancelRun(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return ErrNoRun
	}
	runID := e.state.RunID
	e.mu.Unlock()

	cancelled := e.mgr.CancelAllAgents(ctx, runID, reason)
	e.log.Info().Str("run_id", runID).Int("cancelled", cancelled).Str("reason", reason).
		Msg("[engine] run cancel requested")

	e.setRunStatus(ctx, models.RunStatusFailed, "cancelled: "+reason)
	return nil
}

// Health reports the run's loop-guard consumption.
func (e *Engine) Health(ctx context.Context) (guard.RunHealth, error) {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return guard.RunHealth{}, ErrNoRun
	}
	runID := e.state.RunID
	taskIDs := make([]string, 0, e.plan.Size())
	for _, n := range e.plan.Spec().Nodes {
		taskIDs = append(taskIDs, n.ID)
	}
	e.mu.Unlock()

	return e.guard.RunHealth(ctx, runID, taskIDs), nil
}

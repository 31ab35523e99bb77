// Package plan implements the task DAG model and its status invariants.
// A Plan wraps a models.TaskPlan with dependency bookkeeping: cycle
// detection, ready-node computation, and mutation operations that keep
// the graph acyclic.
package plan

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrInvalidModification indicates a plan edit was rejected because it would
// create a cycle or reference a node that does not exist. The plan is left
// unchanged.
var ErrInvalidModification = errors.New("invalid plan modification")

// Plan wraps a TaskPlan with dependency-graph bookkeeping.
type Plan struct {
	// plan is the underlying task plan.
	plan *models.TaskPlan
	// edges maps node ID to the IDs of nodes it depends on.
	edges map[string][]string
}

// New builds a Plan from a TaskPlan, validating the dependency graph.
// Returns an error if dependencies reference unknown nodes or form a cycle.
func New(p *models.TaskPlan) (*Plan, error) {
	pl := &Plan{
		plan:  p,
		edges: make(map[string][]string),
	}

	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if seen[n.ID] {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidModification, n.ID)
		}
		seen[n.ID] = true
		pl.edges[n.ID] = nil
	}

	for _, n := range p.Nodes {
		for _, depID := range n.Dependencies {
			if !seen[depID] {
				return nil, fmt.Errorf("%w: node %s depends on unknown node %s", ErrInvalidModification, n.ID, depID)
			}
			pl.edges[n.ID] = append(pl.edges[n.ID], depID)
		}
	}

	if pl.hasCycle() {
		return nil, ErrCycleDetected
	}

	return pl, nil
}

// Spec returns the underlying TaskPlan.
func (pl *Plan) Spec() *models.TaskPlan {
	return pl.plan
}

// Node returns the node with the given ID, or nil if not present.
func (pl *Plan) Node(id string) *models.TaskNode {
	return pl.plan.Node(id)
}

// Size returns the number of nodes in the plan.
func (pl *Plan) Size() int {
	return len(pl.plan.Nodes)
}

// hasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (pl *Plan) hasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(pl.edges))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range pl.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range pl.edges {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// ReadyNodes returns nodes whose dependencies are all completed and whose
// own status is pending. These nodes can be spawned in parallel.
func (pl *Plan) ReadyNodes() []*models.TaskNode {
	var ready []*models.TaskNode

	for _, n := range pl.plan.Nodes {
		if n.Status != models.TaskStatusPending {
			continue
		}

		depsDone := true
		for _, depID := range pl.edges[n.ID] {
			dep := pl.plan.Node(depID)
			if dep == nil || dep.Status != models.TaskStatusCompleted {
				depsDone = false
				break
			}
		}

		if depsDone {
			ready = append(ready, n)
		}
	}

	return ready
}

// IsTerminal returns true if the plan status is completed or failed.
func (pl *Plan) IsTerminal() bool {
	return pl.plan.Status.Terminal()
}

// AllCompleted returns true if every node in the plan completed.
func (pl *Plan) AllCompleted() bool {
	for _, n := range pl.plan.Nodes {
		if n.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Dependencies returns the IDs of nodes the given node depends on.
func (pl *Plan) Dependencies(id string) []string {
	return pl.edges[id]
}

// Dependents returns the IDs of nodes that depend on the given node.
func (pl *Plan) Dependents(id string) []string {
	var out []string
	for nodeID, deps := range pl.edges {
		for _, depID := range deps {
			if depID == id {
				out = append(out, nodeID)
				break
			}
		}
	}
	return out
}

// TopologicalSort returns node IDs in an order where all dependencies come
// before the nodes that depend on them.
func (pl *Plan) TopologicalSort() ([]string, error) {
	if pl.hasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(pl.edges))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range pl.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	// Walk nodes in plan order so the output is deterministic.
	for _, n := range pl.plan.Nodes {
		visit(n.ID)
	}

	return result, nil
}

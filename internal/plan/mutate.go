package plan

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// AddNode adds a node to the plan. The edit is rejected if the node ID is
// already taken, a dependency references an unknown node, or the resulting
// graph would contain a cycle.
func (pl *Plan) AddNode(n *models.TaskNode) error {
	if pl.plan.Node(n.ID) != nil {
		return fmt.Errorf("%w: node %s already exists", ErrInvalidModification, n.ID)
	}
	for _, depID := range n.Dependencies {
		if pl.plan.Node(depID) == nil {
			return fmt.Errorf("%w: node %s depends on unknown node %s", ErrInvalidModification, n.ID, depID)
		}
	}

	pl.plan.Nodes = append(pl.plan.Nodes, n)
	pl.edges[n.ID] = append([]string(nil), n.Dependencies...)

	if pl.hasCycle() {
		// Roll back.
		pl.plan.Nodes = pl.plan.Nodes[:len(pl.plan.Nodes)-1]
		delete(pl.edges, n.ID)
		return fmt.Errorf("%w: adding node %s creates a cycle", ErrInvalidModification, n.ID)
	}

	pl.touch()
	return nil
}

// RemoveNode removes a node from the plan. The edit is rejected if the node
// does not exist or other nodes still depend on it.
func (pl *Plan) RemoveNode(id string) error {
	if pl.plan.Node(id) == nil {
		return fmt.Errorf("%w: node %s does not exist", ErrInvalidModification, id)
	}
	if deps := pl.Dependents(id); len(deps) > 0 {
		return fmt.Errorf("%w: node %s still has dependents %v", ErrInvalidModification, id, deps)
	}

	for i, n := range pl.plan.Nodes {
		if n.ID == id {
			pl.plan.Nodes = append(pl.plan.Nodes[:i], pl.plan.Nodes[i+1:]...)
			break
		}
	}
	delete(pl.edges, id)

	pl.touch()
	return nil
}

// UpdateDependencies replaces a node's dependency list. The edit is rejected
// if a dependency references an unknown node or would create a cycle.
func (pl *Plan) UpdateDependencies(id string, deps []string) error {
	n := pl.plan.Node(id)
	if n == nil {
		return fmt.Errorf("%w: node %s does not exist", ErrInvalidModification, id)
	}
	for _, depID := range deps {
		if pl.plan.Node(depID) == nil {
			return fmt.Errorf("%w: node %s depends on unknown node %s", ErrInvalidModification, id, depID)
		}
	}

	old := pl.edges[id]
	pl.edges[id] = append([]string(nil), deps...)

	if pl.hasCycle() {
		pl.edges[id] = old
		return fmt.Errorf("%w: updating node %s creates a cycle", ErrInvalidModification, id)
	}

	n.Dependencies = append([]string(nil), deps...)
	pl.touch()
	return nil
}

// UpdateDescription changes a node's description and agent type.
// Empty values leave the existing field untouched.
func (pl *Plan) UpdateDescription(id, description, agentType string) error {
	n := pl.plan.Node(id)
	if n == nil {
		return fmt.Errorf("%w: node %s does not exist", ErrInvalidModification, id)
	}
	if description != "" {
		n.Description = description
	}
	if agentType != "" {
		n.AgentType = agentType
	}
	pl.touch()
	return nil
}

// SetNodeStatus transitions a node's status. A node may enter in_progress
// only when every dependency is completed; transitions out of a terminal
// status are rejected.
func (pl *Plan) SetNodeStatus(id string, status models.TaskStatus) error {
	n := pl.plan.Node(id)
	if n == nil {
		return fmt.Errorf("%w: node %s does not exist", ErrInvalidModification, id)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidModification, status)
	}
	if n.Status.Terminal() && status != n.Status {
		return fmt.Errorf("%w: node %s is already %s", ErrInvalidModification, id, n.Status)
	}

	if status == models.TaskStatusInProgress {
		for _, depID := range pl.edges[id] {
			dep := pl.plan.Node(depID)
			if dep == nil || dep.Status != models.TaskStatusCompleted {
				return fmt.Errorf("%w: node %s has incomplete dependency %s", ErrInvalidModification, id, depID)
			}
		}
	}

	n.Status = status
	if status.Terminal() {
		now := time.Now()
		n.CompletedAt = &now
	}
	pl.touch()
	return nil
}

// Reorder rewrites the node order in the plan. The new order must be a
// permutation of the existing node IDs; dependency edges are unaffected.
func (pl *Plan) Reorder(ids []string) error {
	if len(ids) != len(pl.plan.Nodes) {
		return fmt.Errorf("%w: reorder list has %d IDs, plan has %d nodes", ErrInvalidModification, len(ids), len(pl.plan.Nodes))
	}

	byID := make(map[string]*models.TaskNode, len(pl.plan.Nodes))
	for _, n := range pl.plan.Nodes {
		byID[n.ID] = n
	}

	reordered := make([]*models.TaskNode, 0, len(ids))
	for _, id := range ids {
		n, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: reorder references unknown node %s", ErrInvalidModification, id)
		}
		delete(byID, id)
		reordered = append(reordered, n)
	}

	pl.plan.Nodes = reordered
	pl.touch()
	return nil
}

func (pl *Plan) touch() {
	pl.plan.UpdatedAt = time.Now()
}

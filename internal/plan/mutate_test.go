package plan

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestEditsRollBackOnCycle(t *testing.T) {
	pl, err := New(testPlan(node("a"), node("b", "a")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.AddNode(node("c", "b")); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	// a -> c -> b -> a would be a cycle.
	if err := pl.UpdateDependencies("a", []string{"c"}); !errors.Is(err, ErrInvalidModification) {
		t.Fatalf("expected rejection, got %v", err)
	}

	// The plan must be unchanged by the failed edit.
	if deps := pl.Dependencies("a"); len(deps) != 0 {
		t.Errorf("a deps changed after failed edit: %v", deps)
	}

	// AddNode itself rolls back when the new node closes a cycle: give c a
	// dependent, then try to add a node both depending on and depended on.
	before := pl.Size()
	loop := node("d", "c")
	if err := pl.AddNode(loop); err != nil {
		t.Fatalf("AddNode d: %v", err)
	}
	if err := pl.UpdateDependencies("c", []string{"b", "d"}); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("expected rejection, got %v", err)
	}
	if pl.Size() != before+1 {
		t.Errorf("plan size changed unexpectedly: %d", pl.Size())
	}
}

func TestAddNodeRejectsDuplicateAndUnknownDep(t *testing.T) {
	pl, err := New(testPlan(node("a")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.AddNode(node("a")); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("duplicate: expected ErrInvalidModification, got %v", err)
	}
	if err := pl.AddNode(node("b", "ghost")); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("unknown dep: expected ErrInvalidModification, got %v", err)
	}
}

func TestRemoveNodeRejectsWhenDependedOn(t *testing.T) {
	pl, err := New(testPlan(node("a"), node("b", "a")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.RemoveNode("a"); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("expected rejection, got %v", err)
	}
	if err := pl.RemoveNode("b"); err != nil {
		t.Errorf("removing leaf: %v", err)
	}
	if err := pl.RemoveNode("a"); err != nil {
		t.Errorf("removing now-free node: %v", err)
	}
	if pl.Size() != 0 {
		t.Errorf("expected empty plan, got %d nodes", pl.Size())
	}
}

func TestSetNodeStatusInvariants(t *testing.T) {
	pl, err := New(testPlan(node("a"), node("b", "a")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// b cannot start before a completes.
	if err := pl.SetNodeStatus("b", models.TaskStatusInProgress); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("expected incomplete-dependency rejection, got %v", err)
	}

	completeNode(t, pl, "a")

	if err := pl.SetNodeStatus("b", models.TaskStatusInProgress); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if err := pl.SetNodeStatus("b", models.TaskStatusFailed); err != nil {
		t.Fatalf("fail b: %v", err)
	}

	// No exit from a terminal status.
	if err := pl.SetNodeStatus("b", models.TaskStatusInProgress); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("expected terminal rejection, got %v", err)
	}
	if n := pl.Node("b"); n.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal transition")
	}
}

func TestReorder(t *testing.T) {
	pl, err := New(testPlan(node("a"), node("b"), node("c")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.Reorder([]string{"c", "a", "b"}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if got := pl.Spec().Nodes[0].ID; got != "c" {
		t.Errorf("expected c first, got %s", got)
	}

	if err := pl.Reorder([]string{"a", "b"}); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("short list: expected rejection, got %v", err)
	}
	if err := pl.Reorder([]string{"a", "b", "ghost"}); !errors.Is(err, ErrInvalidModification) {
		t.Errorf("unknown id: expected rejection, got %v", err)
	}
}

func TestParseDocument(t *testing.T) {
	doc := []byte(`{
		"nodes": [
			{"id": "fetch", "description": "fetch data"},
			{"id": "report", "description": "write report", "agent_type": "writer", "dependencies": ["fetch"]}
		]
	}`)

	nodes, err := ParseDocument(doc)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].AgentType != DefaultAgentType {
		t.Errorf("expected default agent type, got %s", nodes[0].AgentType)
	}
	if nodes[1].AgentType != "writer" {
		t.Errorf("expected writer, got %s", nodes[1].AgentType)
	}
	if nodes[0].Status != models.TaskStatusPending {
		t.Errorf("expected pending, got %s", nodes[0].Status)
	}
}

func TestParseDocumentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty nodes", `{"nodes": []}`},
		{"missing description", `{"nodes": [{"id": "a"}]}`},
		{"missing id", `{"nodes": [{"description": "x"}]}`},
		{"unknown field", `{"nodes": [{"id": "a", "description": "x", "bogus": 1}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDocument([]byte(tt.doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

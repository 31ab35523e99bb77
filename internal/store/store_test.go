package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// backends returns both repository implementations so every test runs
// against each.
func backends(t *testing.T) map[string]Repository {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Repository{
		"sqlite": db,
		"memory": NewMemory(),
	}
}

func samplePlan(runID string) *models.TaskPlan {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.TaskPlan{
		ID:    "plan-" + runID,
		RunID: runID,
		Nodes: []*models.TaskNode{
			{ID: "a", Description: "first", AgentType: "general", Status: models.TaskStatusPending, CreatedAt: now},
			{ID: "b", Description: "second", AgentType: "general", Status: models.TaskStatusPending, Dependencies: []string{"a"}, CreatedAt: now},
		},
		Status:    models.PlanStatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := samplePlan("run-1")
			if err := repo.SavePlan(ctx, p); err != nil {
				t.Fatalf("SavePlan: %v", err)
			}

			got, err := repo.GetPlan(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetPlan: %v", err)
			}
			if len(got.Nodes) != 2 || got.Nodes[1].Dependencies[0] != "a" {
				t.Errorf("plan lost structure: %+v", got)
			}

			byRun, err := repo.GetPlanByRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetPlanByRun: %v", err)
			}
			if byRun.ID != p.ID {
				t.Errorf("GetPlanByRun = %s, want %s", byRun.ID, p.ID)
			}

			// Upsert: saving again replaces, not duplicates.
			p.Status = models.PlanStatusExecuting
			if err := repo.SavePlan(ctx, p); err != nil {
				t.Fatalf("SavePlan update: %v", err)
			}
			got, _ = repo.GetPlan(ctx, p.ID)
			if got.Status != models.PlanStatusExecuting {
				t.Errorf("status not updated: %s", got.Status)
			}

			if _, err := repo.GetPlan(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing plan: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			a := &models.SubAgentState{
				ID:              "agent-1",
				RunID:           "run-1",
				TaskNodeID:      "a",
				AgentType:       "general",
				Status:          models.AgentStatusRunning,
				TaskDescription: "do the thing",
				Messages:        []models.Message{{Role: "user", Content: "hi"}},
				ToolCalls:       []models.ToolCallRecord{{ID: "t1", Name: "search", Success: true}},
				TotalTokens:     42,
				StartedAt:       now,
			}
			if err := repo.SaveAgent(ctx, a); err != nil {
				t.Fatalf("SaveAgent: %v", err)
			}

			got, err := repo.GetAgent(ctx, "agent-1")
			if err != nil {
				t.Fatalf("GetAgent: %v", err)
			}
			if got.TotalTokens != 42 || len(got.Messages) != 1 || len(got.ToolCalls) != 1 {
				t.Errorf("agent lost fields: %+v", got)
			}

			// Terminal update.
			done := now.Add(time.Minute)
			a.Status = models.AgentStatusCompleted
			a.Result = "done"
			a.CompletedAt = &done
			if err := repo.SaveAgent(ctx, a); err != nil {
				t.Fatalf("SaveAgent update: %v", err)
			}
			got, _ = repo.GetAgent(ctx, "agent-1")
			if got.Status != models.AgentStatusCompleted || got.CompletedAt == nil {
				t.Errorf("terminal state not persisted: %+v", got)
			}

			list, err := repo.ListAgentsByRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("ListAgentsByRun: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("ListAgentsByRun = %d agents, want 1", len(list))
			}

			if _, err := repo.GetAgent(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing agent: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRunRoundTripAndList(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Truncate(time.Second)
			for i, runID := range []string{"run-1", "run-2", "run-3"} {
				s := &models.OrchestratorState{
					ID:        "orc-" + runID,
					RunID:     runID,
					Status:    models.RunStatusExecuting,
					StartedAt: base.Add(time.Duration(i) * time.Minute),
				}
				if err := repo.SaveRun(ctx, s); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}
			}

			got, err := repo.GetRun(ctx, "run-2")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.Status != models.RunStatusExecuting {
				t.Errorf("status = %s", got.Status)
			}

			// GetRun is not required to hydrate the plan; readers recover
			// it through GetPlanByRun.
			if err := repo.SavePlan(ctx, samplePlan("run-2")); err != nil {
				t.Fatalf("SavePlan: %v", err)
			}
			p, err := repo.GetPlanByRun(ctx, "run-2")
			if err != nil {
				t.Fatalf("GetPlanByRun: %v", err)
			}
			if len(p.Nodes) != 2 {
				t.Errorf("plan not recoverable for run: %+v", p)
			}

			runs, err := repo.ListRuns(ctx, 2)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 {
				t.Fatalf("ListRuns = %d runs, want 2", len(runs))
			}
			// Most recent first.
			if runs[0].RunID != "run-3" {
				t.Errorf("first listed = %s, want run-3", runs[0].RunID)
			}

			if _, err := repo.GetRun(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing run: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for want := 1; want <= 3; want++ {
				n, err := repo.IncrRetryCount(ctx, "run-1", "task-a")
				if err != nil {
					t.Fatalf("IncrRetryCount: %v", err)
				}
				if n != want {
					t.Errorf("IncrRetryCount = %d, want %d", n, want)
				}
			}

			n, err := repo.RetryCount(ctx, "run-1", "task-a")
			if err != nil || n != 3 {
				t.Errorf("RetryCount = %d, %v; want 3", n, err)
			}

			// Untouched counters read as zero.
			if n, _ := repo.RetryCount(ctx, "run-1", "task-b"); n != 0 {
				t.Errorf("fresh task counter = %d", n)
			}
			if n, _ := repo.Interventions(ctx, "run-1"); n != 0 {
				t.Errorf("fresh intervention counter = %d", n)
			}

			if n, err := repo.IncrInterventions(ctx, "run-1"); err != nil || n != 1 {
				t.Errorf("IncrInterventions = %d, %v", n, err)
			}

			// Retry and intervention counters are independent.
			if n, _ := repo.RetryCount(ctx, "run-1", "task-a"); n != 3 {
				t.Errorf("retry counter disturbed: %d", n)
			}
		})
	}
}

func TestPurgeOldRuns(t *testing.T) {
	ctx := context.Background()
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			old := time.Now().UTC().Add(-48 * time.Hour)
			oldDone := old.Add(time.Minute)
			recent := time.Now().UTC()

			stale := &models.OrchestratorState{
				ID: "orc-old", RunID: "run-old",
				Status: models.RunStatusCompleted, StartedAt: old, CompletedAt: &oldDone,
			}
			fresh := &models.OrchestratorState{
				ID: "orc-new", RunID: "run-new",
				Status: models.RunStatusExecuting, StartedAt: recent,
			}
			for _, s := range []*models.OrchestratorState{stale, fresh} {
				if err := repo.SaveRun(ctx, s); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}
			}
			if err := repo.SavePlan(ctx, samplePlan("run-old")); err != nil {
				t.Fatalf("SavePlan: %v", err)
			}
			if _, err := repo.IncrRetryCount(ctx, "run-old", "a"); err != nil {
				t.Fatalf("IncrRetryCount: %v", err)
			}

			n, err := repo.PurgeOldRuns(ctx, 24*time.Hour)
			if err != nil {
				t.Fatalf("PurgeOldRuns: %v", err)
			}
			if n != 1 {
				t.Errorf("purged %d runs, want 1", n)
			}

			if _, err := repo.GetRun(ctx, "run-old"); !errors.Is(err, ErrNotFound) {
				t.Errorf("stale run survived purge: %v", err)
			}
			if _, err := repo.GetPlanByRun(ctx, "run-old"); !errors.Is(err, ErrNotFound) {
				t.Errorf("stale plan survived purge: %v", err)
			}
			if c, _ := repo.RetryCount(ctx, "run-old", "a"); c != 0 {
				t.Errorf("stale counter survived purge: %d", c)
			}
			if _, err := repo.GetRun(ctx, "run-new"); err != nil {
				t.Errorf("live run purged: %v", err)
			}
		})
	}
}

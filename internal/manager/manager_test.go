package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/cache"
	"github.com/ShayCichocki/conductor/internal/events"
	"github.com/ShayCichocki/conductor/internal/runner"
	"github.com/ShayCichocki/conductor/internal/store"
	"github.com/ShayCichocki/conductor/pkg/models"
)

type fixture struct {
	mgr   *Manager
	cache cache.Cache
	repo  store.Repository
	dist  *events.Distributor
}

func newFixture(t *testing.T, factory runner.Factory) *fixture {
	t.Helper()
	c := cache.NewMemory()
	repo := store.NewMemory()
	dist := events.NewDistributor(c, zerolog.Nop())
	return &fixture{
		mgr:   New(repo, c, dist, factory, zerolog.Nop()),
		cache: c,
		repo:  repo,
		dist:  dist,
	}
}

func slowScript(result string) runner.Script {
	return runner.Script{
		Steps:  []runner.ScriptStep{{Reasoning: "working", Delay: 100 * time.Millisecond}},
		Result: result,
	}
}

func TestSpawnLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: slowScript("ok")})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{
		TaskNodeID:      "node-a",
		AgentType:       "general",
		TaskDescription: "do the thing",
	})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	// The agent is in the active set and persisted while running.
	members, err := f.cache.SMembers(ctx, ActiveSetKey("run-1"))
	if err != nil || len(members) != 1 || members[0] != h.ID {
		t.Errorf("active set = %v, %v", members, err)
	}
	stored, err := f.repo.GetAgent(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if stored.Status.Terminal() {
		t.Errorf("agent already terminal: %s", stored.Status)
	}

	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != models.AgentStatusCompleted || final.Result != "ok" {
		t.Errorf("final = %s %q", final.Status, final.Result)
	}

	// After termination the active set is empty and the durable record is
	// terminal.
	members, _ = f.cache.SMembers(ctx, ActiveSetKey("run-1"))
	if len(members) != 0 {
		t.Errorf("active set not emptied: %v", members)
	}
	stored, _ = f.repo.GetAgent(ctx, h.ID)
	if stored.Status != models.AgentStatusCompleted {
		t.Errorf("durable status = %s", stored.Status)
	}
}

func TestConcurrentSpawns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: slowScript("done")})

	var ids []string
	for i := 0; i < 3; i++ {
		h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{
			TaskNodeID:      fmt.Sprintf("node-%d", i),
			TaskDescription: "parallel work",
		})
		if err != nil {
			t.Fatalf("SpawnAgent %d: %v", i, err)
		}
		ids = append(ids, h.ID)
	}

	members, _ := f.cache.SMembers(ctx, ActiveSetKey("run-1"))
	if len(members) != 3 {
		t.Errorf("active set = %v, want 3 members", members)
	}

	states, err := f.mgr.WaitForAgents(ctx, ids)
	if err != nil {
		t.Fatalf("WaitForAgents: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("got %d states, want 3", len(states))
	}
	for id, st := range states {
		if st.Status != models.AgentStatusCompleted {
			t.Errorf("agent %s status = %s", id, st.Status)
		}
	}

	summary, err := f.mgr.Summary(ctx, "run-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 3 || summary.ByStatus[models.AgentStatusCompleted] != 3 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGuidanceReachesRunner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Steps:  []runner.ScriptStep{{Delay: 150 * time.Millisecond}},
		Result: "ok",
	}})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	if !h.Guide("focus on the edge cases") {
		t.Fatal("Guide returned false for a live agent")
	}

	// The guidance is durable immediately, not just after termination.
	durable, err := f.repo.GetAgent(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetAgent while live: %v", err)
	}
	if len(durable.Guidance) != 1 || durable.Guidance[0] != "focus on the edge cases" {
		t.Errorf("guidance not persisted before termination: %v", durable.Guidance)
	}

	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(final.Guidance) != 1 || final.Guidance[0] != "focus on the edge cases" {
		t.Errorf("guidance not recorded: %v", final.Guidance)
	}

	// Guidance cannot reach a terminated agent.
	if h.Guide("too late") {
		t.Error("Guide returned true after termination")
	}
}

func TestCancelAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Steps: []runner.ScriptStep{
			{Delay: 50 * time.Millisecond},
			{Delay: 300 * time.Millisecond},
		},
		Result: "never reached",
	}})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	if !h.Cancel("user stop") {
		t.Fatal("Cancel returned false for a live agent")
	}

	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != models.AgentStatusCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}

	// Cancelling again is a no-op on a terminated agent.
	if h.Cancel("again") {
		t.Error("Cancel returned true after termination")
	}
}

func TestUnknownTargets(t *testing.T) {
	f := newFixture(t, &runner.ScriptedFactory{})

	if f.mgr.SendGuidance("ghost", "hello") {
		t.Error("SendGuidance true for unknown agent")
	}
	if f.mgr.CancelAgent("ghost", "stop") {
		t.Error("CancelAgent true for unknown agent")
	}
	if _, err := f.mgr.AgentState(context.Background(), "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestTwoTierStateRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: slowScript("result")})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	// While live, State comes from the runner.
	live, err := f.mgr.AgentState(ctx, h.ID)
	if err != nil {
		t.Fatalf("AgentState live: %v", err)
	}
	if live.Status.Terminal() {
		t.Errorf("live status = %s", live.Status)
	}

	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// After eviction, State comes from the repository.
	evicted, err := f.mgr.AgentState(ctx, h.ID)
	if err != nil {
		t.Fatalf("AgentState evicted: %v", err)
	}
	if evicted.Status != models.AgentStatusCompleted || evicted.Result != "result" {
		t.Errorf("evicted state = %s %q", evicted.Status, evicted.Result)
	}
}

func TestStreamEventsForwarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Steps: []runner.ScriptStep{
			{Reasoning: "thinking"},
			{ToolName: "search", ToolOutput: "found it"},
		},
		Result: "ok",
	}})

	var mu sync.Mutex
	var received []models.StreamEvent
	f.dist.RegisterWriter("run-1", events.WriterFunc(func(ev models.StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		return nil
	}))

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var types []models.StreamEventType
	for _, ev := range received {
		if ev.AgentID != h.ID || ev.TaskNodeID != "node-a" {
			t.Errorf("event missing identity: %+v", ev)
		}
		types = append(types, ev.Type)
	}

	want := []models.StreamEventType{
		models.StreamEventReasoning,
		models.StreamEventToolCallStarted,
		models.StreamEventToolCallResult,
		models.StreamEventAgentTerminated,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	last := received[len(received)-1]
	if last.Reason != string(models.AgentStatusCompleted) {
		t.Errorf("termination reason = %q", last.Reason)
	}
}

func TestHandleOnEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Steps:  []runner.ScriptStep{{Reasoning: "step", Delay: 50 * time.Millisecond}},
		Result: "ok",
	}})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	var mu sync.Mutex
	count := 0
	h.OnEvent(func(ev models.StreamEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count == 0 {
		t.Error("callback never invoked")
	}
}

func TestCancelAllAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Steps:  []runner.ScriptStep{{Delay: 300 * time.Millisecond}},
		Result: "never",
	}})

	var ids []string
	for i := 0; i < 2; i++ {
		h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: fmt.Sprintf("node-%d", i)})
		if err != nil {
			t.Fatalf("SpawnAgent: %v", err)
		}
		ids = append(ids, h.ID)
	}

	if n := f.mgr.CancelAllAgents(ctx, "run-1", "shutdown"); n != 2 {
		t.Errorf("cancelled %d agents, want 2", n)
	}

	states, err := f.mgr.WaitForAgents(ctx, ids)
	if err != nil {
		t.Fatalf("WaitForAgents: %v", err)
	}
	for id, st := range states {
		if st.Status != models.AgentStatusCancelled {
			t.Errorf("agent %s status = %s", id, st.Status)
		}
	}
}

func TestReadyCheckBlocksSpawn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{})

	f.mgr.SetReadyCheck(func(runID, taskNodeID string) error {
		return fmt.Errorf("dependency not completed")
	})

	if _, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"}); err == nil {
		t.Error("spawn admitted despite failing ready check")
	}

	members, _ := f.cache.SMembers(ctx, ActiveSetKey("run-1"))
	if len(members) != 0 {
		t.Errorf("active set polluted by refused spawn: %v", members)
	}
}

func TestFailedScriptYieldsFailedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: runner.Script{
		Fail:        true,
		FailMessage: "exploded",
	}})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != models.AgentStatusFailed || final.Error != "exploded" {
		t.Errorf("final = %s %q", final.Status, final.Error)
	}
}

func TestAgentHandleReconstruction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: slowScript("ok")})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a", AgentType: "general"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	live, err := f.mgr.Agent(ctx, h.ID)
	if err != nil {
		t.Fatalf("Agent (live): %v", err)
	}
	if live.TaskNodeID != "node-a" || live.AgentType != "general" {
		t.Errorf("live handle = %+v", live)
	}

	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// After eviction the handle still serves reads, but control is gone.
	evicted, err := f.mgr.Agent(ctx, h.ID)
	if err != nil {
		t.Fatalf("Agent (evicted): %v", err)
	}
	st, err := evicted.State(ctx)
	if err != nil || st.Status != models.AgentStatusCompleted {
		t.Errorf("state via reconstructed handle = %+v, %v", st, err)
	}
	if evicted.Guide("too late") {
		t.Error("guidance accepted after termination")
	}

	if _, err := f.mgr.Agent(ctx, "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown id: expected ErrUnknownAgent, got %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &runner.ScriptedFactory{Default: slowScript("ok")})

	h, err := f.mgr.SpawnAgent(ctx, "run-1", SpawnConfig{TaskNodeID: "node-a"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Status != models.AgentStatusCompleted {
		t.Fatalf("final = %s", final.Status)
	}

	e, ok := f.mgr.reg.get(h.ID)
	if !ok {
		t.Fatal("registry entry missing after termination")
	}

	// A second cleanup for the same terminated agent must be a no-op: the
	// eviction guard stops it before it can re-close the done channel,
	// touch the active set, or overwrite the durable record.
	doctored := *final
	doctored.Status = models.AgentStatusFailed
	doctored.Error = "must not be written"
	f.mgr.cleanup(ctx, h.ID, e, &doctored)

	members, err := f.cache.SMembers(ctx, ActiveSetKey("run-1"))
	if err != nil || len(members) != 0 {
		t.Errorf("active set disturbed: %v, %v", members, err)
	}
	stored, err := f.repo.GetAgent(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if stored.Status != models.AgentStatusCompleted || stored.Error != "" {
		t.Errorf("durable record overwritten by second cleanup: %s %q", stored.Status, stored.Error)
	}
}

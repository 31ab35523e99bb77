package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// fakeClient replays canned responses and records the messages it was
// given.
type fakeClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     [][]llm.Message
	err       error
}

func (c *fakeClient) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	return c.Stream(ctx, messages, opts, nil)
}

func (c *fakeClient) Stream(ctx context.Context, messages []llm.Message, opts llm.Options, onToken llm.TokenFunc) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, append([]llm.Message(nil), messages...))
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &llm.Response{Content: "done", FinishReason: "end_turn"}, nil
	}

	resp := c.responses[0]
	c.responses = c.responses[1:]
	if onToken != nil && resp.Content != "" {
		for _, word := range strings.Fields(resp.Content) {
			onToken(word)
		}
	}
	return resp, nil
}

func testConfig() Config {
	return Config{
		AgentID:         "agent-1",
		RunID:           "run-1",
		TaskNodeID:      "node-a",
		AgentType:       "general",
		TaskDescription: "summarize the data",
	}
}

func drain(r Runner) []Event {
	var out []Event
	for ev := range r.Events() {
		out = append(out, ev)
	}
	return out
}

func TestLLMRunnerCompletesWithoutTools(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{Content: "the answer", Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}, FinishReason: "end_turn"},
	}}
	factory := &LLMRunnerFactory{Client: client, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Start()
	events := drain(r)

	final := r.State()
	if final.Status != models.AgentStatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Result != "the answer" {
		t.Errorf("result = %q", final.Result)
	}
	if final.TotalTokens != 15 {
		t.Errorf("tokens = %d, want 15", final.TotalTokens)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// The stream ends with the terminal status event.
	last := events[len(events)-1]
	if last.Type != EventStatus || last.Status != models.AgentStatusCompleted {
		t.Errorf("last event = %+v", last)
	}
}

func TestLLMRunnerExecutesToolCalls(t *testing.T) {
	registry := tools.NewRegistry()
	var mu sync.Mutex
	var invokedWith map[string]any
	err := registry.Register(tools.Definition{
		Name:        "lookup",
		Description: "look something up",
		InputSchema: map[string]any{"query": map[string]any{"type": "string"}},
		Required:    []string{"query"},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		mu.Lock()
		invokedWith = args
		mu.Unlock()
		return "lookup result", nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := &fakeClient{responses: []*llm.Response{
		{
			Content: "let me check",
			ToolCalls: []llm.ToolCall{
				{ID: "tc-1", Name: "lookup", Args: json.RawMessage(`{"query":"weather"}`)},
			},
			FinishReason: "tool_use",
		},
		{Content: "it is sunny", FinishReason: "end_turn"},
	}}
	factory := &LLMRunnerFactory{Client: client, Tools: registry, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Start()
	drain(r)

	mu.Lock()
	if invokedWith["query"] != "weather" {
		t.Errorf("tool args = %v", invokedWith)
	}
	mu.Unlock()

	final := r.State()
	if final.Status != models.AgentStatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Output != "lookup result" {
		t.Errorf("tool calls = %+v", final.ToolCalls)
	}

	// The tool result went back to the model.
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.calls) != 2 {
		t.Fatalf("model called %d times, want 2", len(client.calls))
	}
	secondCall := client.calls[1]
	foundToolMsg := false
	for _, m := range secondCall {
		if m.Role == llm.RoleTool && m.Content == "lookup result" && m.ToolCallID == "tc-1" {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Errorf("tool result missing from follow-up call: %+v", secondCall)
	}
}

func TestLLMRunnerFailsOnClientError(t *testing.T) {
	client := &fakeClient{err: fmt.Errorf("api unavailable")}
	factory := &LLMRunnerFactory{Client: client, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Start()
	drain(r)

	final := r.State()
	if final.Status != models.AgentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "api unavailable") {
		t.Errorf("error = %q", final.Error)
	}
}

func TestLLMRunnerStopsAtIterationLimit(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Definition{Name: "noop", Description: "does nothing"},
		func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Every response asks for another tool call, so only the iteration
	// ceiling stops the loop.
	looping := &loopingClient{}
	factory := &LLMRunnerFactory{Client: looping, Tools: registry, MaxIterations: 3, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Start()
	drain(r)

	final := r.State()
	if final.Status != models.AgentStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "max iterations") {
		t.Errorf("error = %q", final.Error)
	}
	if looping.count() != 3 {
		t.Errorf("model called %d times, want 3", looping.count())
	}
}

type loopingClient struct {
	mu    sync.Mutex
	calls int
}

func (c *loopingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *loopingClient) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	return c.Stream(ctx, messages, opts, nil)
}

func (c *loopingClient) Stream(ctx context.Context, messages []llm.Message, opts llm.Options, onToken llm.TokenFunc) (*llm.Response, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return &llm.Response{
		ToolCalls:    []llm.ToolCall{{ID: fmt.Sprintf("tc-%d", n), Name: "noop", Args: json.RawMessage(`{}`)}},
		FinishReason: "tool_use",
	}, nil
}

func TestLLMRunnerCancellation(t *testing.T) {
	// A slow client gives Cancel time to land before the next model call.
	client := &slowClient{delay: 100 * time.Millisecond}
	factory := &LLMRunnerFactory{Client: client, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Cancel("operator abort")
	drain(r)

	final := r.State()
	if final.Status != models.AgentStatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
}

type slowClient struct {
	delay time.Duration
}

func (c *slowClient) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	return c.Stream(ctx, messages, opts, nil)
}

func (c *slowClient) Stream(ctx context.Context, messages []llm.Message, opts llm.Options, onToken llm.TokenFunc) (*llm.Response, error) {
	time.Sleep(c.delay)
	// Keep the loop going so cancellation is what ends it.
	return &llm.Response{
		ToolCalls:    []llm.ToolCall{{ID: "tc", Name: "missing", Args: json.RawMessage(`{}`)}},
		FinishReason: "tool_use",
	}, nil
}

func TestGuidanceInjectedIntoConversation(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{
			ToolCalls:    []llm.ToolCall{{ID: "tc-1", Name: "ghost", Args: json.RawMessage(`{}`)}},
			FinishReason: "tool_use",
		},
		{Content: "finished", FinishReason: "end_turn"},
	}}
	registry := tools.NewRegistry()
	factory := &LLMRunnerFactory{Client: client, Tools: registry, Logger: zerolog.Nop()}

	r := factory.NewRunner(testConfig())
	r.Guide("prefer the short answer")
	r.Start()
	drain(r)

	client.mu.Lock()
	defer client.mu.Unlock()
	found := false
	for _, call := range client.calls {
		for _, m := range call {
			if m.Role == llm.RoleUser && strings.Contains(m.Content, "prefer the short answer") {
				found = true
			}
		}
	}
	if !found {
		t.Error("guidance never reached the model")
	}

	final := r.State()
	if len(final.Guidance) != 1 {
		t.Errorf("guidance transcript = %v", final.Guidance)
	}
}

func TestTranscriptMatchesModelInput(t *testing.T) {
	client := &fakeClient{responses: []*llm.Response{
		{Content: "done", FinishReason: "end_turn"},
	}}
	factory := &LLMRunnerFactory{Client: client, Logger: zerolog.Nop()}

	cfg := testConfig()
	cfg.UpstreamContext = "### first\nout-of-dependency"
	r := factory.NewRunner(cfg)
	r.Start()
	drain(r)

	client.mu.Lock()
	sent := client.calls[0][0].Content
	client.mu.Unlock()

	final := r.State()
	if len(final.Messages) == 0 || final.Messages[0].Content != sent {
		t.Errorf("transcript diverges from model input:\nrecorded %q\nsent     %q",
			final.Messages[0].Content, sent)
	}
	if !strings.Contains(sent, "out-of-dependency") {
		t.Errorf("upstream context missing from prompt: %q", sent)
	}
}

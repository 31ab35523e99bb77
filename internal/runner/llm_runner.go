package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/conductor/internal/llm"
	"github.com/ShayCichocki/conductor/internal/tools"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// defaultMaxIterations bounds the reasoning loop when no limit is configured.
const defaultMaxIterations = 50

// LLMRunner drives the inference and tool ports in a reasoning loop until
// the model ends its turn, the loop limit is hit, or cancellation is
// observed. The cancellation token is checked before each model call and
// before each tool call.
type LLMRunner struct {
	client        llm.Client
	registry      *tools.Registry
	model         string
	maxIterations int
	log           zerolog.Logger

	events chan Event

	mu        sync.Mutex
	state     *models.SubAgentState
	guidance  []string
	cancelled bool
	reason    string
	started   bool
}

// LLMRunnerFactory builds LLMRunners sharing one client and tool registry.
type LLMRunnerFactory struct {
	// Client is the inference port.
	Client llm.Client
	// Tools is the tool-execution registry.
	Tools *tools.Registry
	// Model overrides the client's default model.
	Model string
	// MaxIterations bounds the reasoning loop. Zero selects the default.
	MaxIterations int
	// Logger receives runner logs.
	Logger zerolog.Logger
}

// NewRunner builds an LLMRunner for the given config.
func (f *LLMRunnerFactory) NewRunner(cfg Config) Runner {
	maxIter := f.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	return &LLMRunner{
		client:        f.Client,
		registry:      f.Tools,
		model:         f.Model,
		maxIterations: maxIter,
		log:           f.Logger,
		events:        make(chan Event, 100),
		state:         newState(cfg),
	}
}

// Start launches the reasoning loop in its own goroutine.
func (r *LLMRunner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.loop()
}

// Events returns the runner's event stream.
func (r *LLMRunner) Events() <-chan Event {
	return r.events
}

// Guide queues guidance for the next reasoning step.
func (r *LLMRunner) Guide(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guidance = append(r.guidance, text)
	r.state.Guidance = append(r.state.Guidance, text)
}

// Cancel asks the loop to stop at its next safe point.
func (r *LLMRunner) Cancel(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.reason == "" {
		r.reason = reason
	}
}

// State returns a deep copy of the agent's current state.
func (r *LLMRunner) State() *models.SubAgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneState(r.state)
}

func (r *LLMRunner) loop() {
	defer close(r.events)

	ctx := context.Background()
	r.setStatus(models.AgentStatusRunning, "")

	// The transcript records exactly what the model is sent, upstream
	// context included.
	prompt := r.initialPrompt()
	messages := []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	}
	r.appendMessage("user", prompt)

	toolDefs := r.toolDefs()

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if r.checkCancelled() {
			return
		}

		// Inject any guidance queued since the last step.
		for _, text := range r.drainGuidance() {
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: "Guidance from the orchestrator: " + text,
			})
			r.appendMessage("user", text)
		}

		resp, err := r.client.Stream(ctx, messages, llm.Options{
			Model:  r.model,
			System: r.systemPrompt(),
			Tools:  toolDefs,
		}, func(token string) {
			r.emit(Event{Type: EventToken, Token: token})
		})
		if err != nil {
			r.setStatus(models.AgentStatusFailed, fmt.Sprintf("inference error: %v", err))
			return
		}

		r.addUsage(resp.Usage)

		if resp.Content != "" {
			r.recordReasoning(resp.Content)
			r.emit(Event{Type: EventReasoning, Reasoning: resp.Content})
			r.appendMessage("assistant", resp.Content)
		}

		if len(resp.ToolCalls) == 0 {
			r.mu.Lock()
			r.state.Result = resp.Content
			r.mu.Unlock()
			r.setStatus(models.AgentStatusCompleted, "")
			return
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if r.checkCancelled() {
				return
			}

			r.emit(Event{Type: EventToolStart, ToolCallID: tc.ID, ToolName: tc.Name})

			var args map[string]any
			if len(tc.Args) > 0 {
				if err := json.Unmarshal(tc.Args, &args); err != nil {
					args = nil
				}
			}

			result := r.registry.Invoke(ctx, tc.Name, args, r.state.ID)
			output := result.Output
			if !result.Success {
				output = result.Error
			}

			r.recordToolCall(tc, result)
			r.emit(Event{
				Type:       EventToolResult,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				ToolOutput: output,
			})

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
			r.appendMessage("tool", output)
		}
	}

	r.setStatus(models.AgentStatusFailed, fmt.Sprintf("max iterations (%d) reached", r.maxIterations))
}

func (r *LLMRunner) initialPrompt() string {
	prompt := r.state.TaskDescription
	if r.state.UpstreamContext != "" {
		prompt = fmt.Sprintf("%s\n\n## Context from completed dependencies\n%s", prompt, r.state.UpstreamContext)
	}
	return prompt
}

func (r *LLMRunner) systemPrompt() string {
	return fmt.Sprintf("You are a %s agent executing one task of a larger plan. "+
		"Work only on the task you were given and report a concise result.", r.state.AgentType)
}

func (r *LLMRunner) toolDefs() []llm.ToolDef {
	if r.registry == nil {
		return nil
	}

	granted := make(map[string]bool, len(r.state.AdditionalTools))
	for _, id := range r.state.AdditionalTools {
		granted[id] = true
	}

	var defs []llm.ToolDef
	for _, def := range r.registry.Definitions() {
		// An empty grant list exposes the whole registry.
		if len(granted) > 0 && !granted[def.Name] {
			continue
		}
		defs = append(defs, llm.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
			Required:    def.Required,
		})
	}
	return defs
}

// checkCancelled transitions to cancelled if the token was flipped.
func (r *LLMRunner) checkCancelled() bool {
	r.mu.Lock()
	cancelled := r.cancelled
	reason := r.reason
	r.mu.Unlock()

	if cancelled {
		r.setStatus(models.AgentStatusCancelled, reason)
	}
	return cancelled
}

func (r *LLMRunner) drainGuidance() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.guidance
	r.guidance = nil
	return out
}

func (r *LLMRunner) setStatus(status models.AgentStatus, errMsg string) {
	r.mu.Lock()
	if r.state.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state.Status = status
	if errMsg != "" {
		r.state.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now()
		r.state.CompletedAt = &now
	}
	r.mu.Unlock()

	r.emit(Event{Type: EventStatus, Status: status, Err: errMsg})
}

func (r *LLMRunner) addUsage(u llm.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.TotalTokens += u.Total()
}

func (r *LLMRunner) appendMessage(role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Messages = append(r.state.Messages, models.Message{Role: role, Content: content})
}

func (r *LLMRunner) recordReasoning(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ReasoningSteps = append(r.state.ReasoningSteps, text)
}

func (r *LLMRunner) recordToolCall(tc llm.ToolCall, result tools.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	output := result.Output
	if !result.Success {
		output = result.Error
	}
	r.state.ToolCalls = append(r.state.ToolCalls, models.ToolCallRecord{
		ID:      tc.ID,
		Name:    tc.Name,
		Args:    string(tc.Args),
		Output:  output,
		Success: result.Success,
	})
}

func (r *LLMRunner) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Status events must not be lost; the manager drains the channel until
	// close, so a blocking send terminates.
	if ev.Type == EventStatus {
		r.events <- ev
		return
	}

	select {
	case r.events <- ev:
	default:
		// Channel full; drop rather than stall the reasoning loop.
		r.log.Warn().Str("agent_id", r.state.ID).Str("type", string(ev.Type)).
			Msg("[runner] event buffer full, dropped event")
	}
}

func cloneState(s *models.SubAgentState) *models.SubAgentState {
	data, _ := json.Marshal(s)
	out := &models.SubAgentState{}
	_ = json.Unmarshal(data, out)
	return out
}

// Compile-time verification of the Runner and Factory contracts.
var (
	_ Runner  = (*LLMRunner)(nil)
	_ Factory = (*LLMRunnerFactory)(nil)
)

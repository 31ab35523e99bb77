package runner

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ScriptStep is one step a ScriptedRunner performs.
type ScriptStep struct {
	// Reasoning is emitted as a reasoning event if non-empty.
	Reasoning string
	// ToolName triggers a synthetic tool_start/tool_result pair if non-empty.
	ToolName string
	// ToolOutput is the synthetic tool result.
	ToolOutput string
	// Delay pauses before the step executes.
	Delay time.Duration
}

// Script describes what a ScriptedRunner does.
type Script struct {
	// Steps are executed in order.
	Steps []ScriptStep
	// Result is the final output on success.
	Result string
	// Fail terminates the run with a failed status after the steps.
	Fail bool
	// FailMessage is the error message used when Fail is set.
	FailMessage string
}

// ScriptedRunner replays a fixed script through the runner contract. It
// backs dry runs and tests: no inference or tool backend is touched, but
// lifecycle, events, guidance, and cancellation behave like the real loop.
type ScriptedRunner struct {
	script Script
	events chan Event

	mu        sync.Mutex
	state     *models.SubAgentState
	cancelled bool
	reason    string
	started   bool
}

// ScriptedFactory builds ScriptedRunners. ScriptFor, when set, selects a
// script per config; otherwise Default is replayed for every agent.
type ScriptedFactory struct {
	// Default is the script used when ScriptFor is nil or returns false.
	Default Script
	// ScriptFor selects a script for a config.
	ScriptFor func(cfg Config) (Script, bool)
}

// NewRunner builds a ScriptedRunner for the given config.
func (f *ScriptedFactory) NewRunner(cfg Config) Runner {
	script := f.Default
	if f.ScriptFor != nil {
		if s, ok := f.ScriptFor(cfg); ok {
			script = s
		}
	}
	return &ScriptedRunner{
		script: script,
		events: make(chan Event, 100),
		state:  newState(cfg),
	}
}

// Start launches the scripted replay in its own goroutine.
func (r *ScriptedRunner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.replay()
}

// Events returns the runner's event stream.
func (r *ScriptedRunner) Events() <-chan Event {
	return r.events
}

// Guide records guidance in the transcript.
func (r *ScriptedRunner) Guide(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Guidance = append(r.state.Guidance, text)
}

// Cancel asks the replay to stop at its next step boundary.
func (r *ScriptedRunner) Cancel(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	if r.reason == "" {
		r.reason = reason
	}
}

// State returns a deep copy of the agent's current state.
func (r *ScriptedRunner) State() *models.SubAgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, _ := json.Marshal(r.state)
	out := &models.SubAgentState{}
	_ = json.Unmarshal(data, out)
	return out
}

func (r *ScriptedRunner) replay() {
	defer close(r.events)

	r.setStatus(models.AgentStatusRunning, "")

	for i, step := range r.script.Steps {
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}

		if r.checkCancelled() {
			return
		}

		if step.Reasoning != "" {
			r.mu.Lock()
			r.state.ReasoningSteps = append(r.state.ReasoningSteps, step.Reasoning)
			r.mu.Unlock()
			r.emit(Event{Type: EventReasoning, Reasoning: step.Reasoning})
		}

		if step.ToolName != "" {
			callID := fmt.Sprintf("scripted-%d", i)
			r.emit(Event{Type: EventToolStart, ToolCallID: callID, ToolName: step.ToolName})
			r.mu.Lock()
			r.state.ToolCalls = append(r.state.ToolCalls, models.ToolCallRecord{
				ID:      callID,
				Name:    step.ToolName,
				Output:  step.ToolOutput,
				Success: true,
			})
			r.mu.Unlock()
			r.emit(Event{Type: EventToolResult, ToolCallID: callID, ToolName: step.ToolName, ToolOutput: step.ToolOutput})
		}
	}

	if r.checkCancelled() {
		return
	}

	if r.script.Fail {
		msg := r.script.FailMessage
		if msg == "" {
			msg = "scripted failure"
		}
		r.mu.Lock()
		r.state.Error = msg
		r.mu.Unlock()
		r.setStatus(models.AgentStatusFailed, msg)
		return
	}

	r.mu.Lock()
	r.state.Result = r.script.Result
	r.mu.Unlock()
	r.setStatus(models.AgentStatusCompleted, "")
}

func (r *ScriptedRunner) checkCancelled() bool {
	r.mu.Lock()
	cancelled := r.cancelled
	reason := r.reason
	r.mu.Unlock()

	if cancelled {
		r.setStatus(models.AgentStatusCancelled, reason)
	}
	return cancelled
}

func (r *ScriptedRunner) setStatus(status models.AgentStatus, errMsg string) {
	r.mu.Lock()
	if r.state.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state.Status = status
	if status.Terminal() {
		now := time.Now()
		r.state.CompletedAt = &now
	}
	r.mu.Unlock()

	r.events <- Event{Type: EventStatus, Status: status, Err: errMsg, Timestamp: time.Now()}
}

func (r *ScriptedRunner) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case r.events <- ev:
	default:
	}
}

// Compile-time verification of the Runner and Factory contracts.
var (
	_ Runner  = (*ScriptedRunner)(nil)
	_ Factory = (*ScriptedFactory)(nil)
)

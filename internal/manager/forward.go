package manager

import (
	"github.com/ShayCichocki/conductor/internal/runner"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// mapEvent translates a runner-internal event into the run-level stream
// vocabulary. It is total over the runner event types: every input maps to
// exactly one output or to none (non-terminal status changes, which stay
// internal). Unknown event types map to none.
func mapEvent(agentID string, e *entry, ev runner.Event) (models.StreamEvent, bool) {
	out := models.StreamEvent{
		RunID:      e.runID,
		AgentID:    agentID,
		TaskNodeID: e.taskNodeID,
		Timestamp:  ev.Timestamp,
	}

	switch ev.Type {
	case runner.EventToken:
		out.Type = models.StreamEventToken
		out.Token = ev.Token
		return out, true
	case runner.EventReasoning:
		out.Type = models.StreamEventReasoning
		out.Reasoning = ev.Reasoning
		return out, true
	case runner.EventToolStart:
		out.Type = models.StreamEventToolCallStarted
		out.ToolCallID = ev.ToolCallID
		out.ToolName = ev.ToolName
		return out, true
	case runner.EventToolResult:
		out.Type = models.StreamEventToolCallResult
		out.ToolCallID = ev.ToolCallID
		out.ToolName = ev.ToolName
		out.ToolOutput = ev.ToolOutput
		return out, true
	case runner.EventStatus:
		if !ev.Status.Terminal() {
			return models.StreamEvent{}, false
		}
		out.Type = models.StreamEventAgentTerminated
		out.Reason = string(ev.Status)
		out.Message = ev.Err
		return out, true
	default:
		return models.StreamEvent{}, false
	}
}

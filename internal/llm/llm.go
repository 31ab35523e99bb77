// Package llm defines the inference port the sub-agent runner drives, plus
// adapters for the Anthropic and OpenAI APIs.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks input from the user or orchestrator.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks a tool result fed back to the model.
	RoleTool Role = "tool"
)

// Message is one entry in a conversation history.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the message text.
	Content string
	// ToolCalls holds tool invocations requested in an assistant message.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the call identifier assigned by the model.
	ID string
	// Name is the tool to invoke.
	Name string
	// Args is the JSON-encoded arguments.
	Args json.RawMessage
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	// Name is the tool identifier.
	Name string
	// Description tells the model what the tool does.
	Description string
	// InputSchema is the JSON-schema properties map for the arguments.
	InputSchema map[string]any
	// Required lists the required argument names.
	Required []string
}

// Usage is the token accounting for one completion.
type Usage struct {
	// InputTokens is the prompt token count.
	InputTokens int64
	// OutputTokens is the completion token count.
	OutputTokens int64
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is a completed model turn.
type Response struct {
	// Content is the text the model produced.
	Content string
	// ToolCalls are the tool invocations the model requested, if any.
	ToolCalls []ToolCall
	// Usage is the token accounting for the turn.
	Usage Usage
	// FinishReason is why the model stopped: end_turn, tool_use, or
	// max_tokens.
	FinishReason string
}

// Options configures one completion request.
type Options struct {
	// Model overrides the client's default model.
	Model string
	// System is the system prompt.
	System string
	// MaxTokens caps the completion length. Zero selects a default.
	MaxTokens int
	// Tools are offered to the model for this turn.
	Tools []ToolDef
}

// TokenFunc receives token deltas during a streamed completion.
type TokenFunc func(token string)

// Client is the inference port. Generate performs a blocking completion;
// Stream delivers token deltas through onToken as they arrive and returns
// the same final response Generate would.
type Client interface {
	Generate(ctx context.Context, messages []Message, opts Options) (*Response, error)
	Stream(ctx context.Context, messages []Message, opts Options, onToken TokenFunc) (*Response, error)
}

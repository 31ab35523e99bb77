package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client against the OpenAI chat completions API.
type OpenAIClient struct {
	inner openai.Client
	model openai.ChatModel
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// Model is the default model. Empty selects GPT-4o.
	Model string
	// APIKey is the OpenAI API key. If empty, uses OPENAI_API_KEY.
	APIKey string
}

// NewOpenAIClient creates a Client backed by the OpenAI API.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable is not set")
	}

	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4o
	}

	return &OpenAIClient{
		inner: openai.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}, nil
}

// Generate performs a blocking completion.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	params, err := c.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.inner.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: no choices returned")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: []byte(tc.Function.Arguments),
		})
	}
	out.FinishReason = convertOpenAIFinish(string(choice.FinishReason), len(out.ToolCalls))

	return out, nil
}

// Stream performs a streaming completion, delivering text deltas through
// onToken and returning the accumulated response.
func (c *OpenAIClient) Stream(ctx context.Context, messages []Message, opts Options, onToken TokenFunc) (*Response, error) {
	params, err := c.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.inner.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if onToken != nil && len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onToken(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("openai stream: no choices returned")
	}

	choice := acc.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: []byte(tc.Function.Arguments),
		})
	}
	out.FinishReason = convertOpenAIFinish(string(choice.FinishReason), len(out.ToolCalls))

	return out, nil
}

func (c *OpenAIClient) buildParams(messages []Message, opts Options) (openai.ChatCompletionNewParams, error) {
	model := c.model
	if opts.Model != "" {
		model = openai.ChatModel(opts.Model)
	}

	var converted []openai.ChatCompletionMessageParamUnion
	if opts.System != "" {
		converted = append(converted, openai.SystemMessage(opts.System))
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			converted = append(converted, openai.UserMessage(msg.Content))

		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(tc.Args),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				converted = append(converted, assistantMsg.ToParam())
			} else {
				converted = append(converted, openai.AssistantMessage(msg.Content))
			}

		case RoleTool:
			converted = append(converted, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: converted,
	}

	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	for _, def := range opts.Tools {
		schema := map[string]any{
			"type":       "object",
			"properties": def.InputSchema,
		}
		if len(def.Required) > 0 {
			schema["required"] = def.Required
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}

	return params, nil
}

func convertOpenAIFinish(reason string, toolCalls int) string {
	switch {
	case toolCalls > 0 || reason == "tool_calls":
		return "tool_use"
	case reason == "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// Compile-time verification that OpenAIClient implements Client.
var _ Client = (*OpenAIClient)(nil)

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicClient implements Client against the Anthropic API, either
// directly or through AWS Bedrock.
type AnthropicClient struct {
	inner anthropic.Client
	model anthropic.Model
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	// Model is the default model. Empty selects Claude Sonnet.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes requests through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock.
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewAnthropicClient creates a Client backed by the Anthropic API.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	return &AnthropicClient{
		inner: anthropic.NewClient(opts...),
		model: model,
	}, nil
}

// Generate performs a blocking completion.
func (c *AnthropicClient) Generate(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	params := c.buildParams(messages, opts)

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	return convertAnthropicResponse(resp), nil
}

// Stream performs a streaming completion, delivering text deltas through
// onToken and returning the accumulated response.
func (c *AnthropicClient) Stream(ctx context.Context, messages []Message, opts Options, onToken TokenFunc) (*Response, error) {
	params := c.buildParams(messages, opts)

	stream := c.inner.Messages.NewStreaming(ctx, params)
	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream accumulate: %w", err)
		}

		if onToken != nil {
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					onToken(text.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	return convertAnthropicResponse(&message), nil
}

func (c *AnthropicClient) buildParams(messages []Message, opts Options) anthropic.MessageNewParams {
	model := c.model
	if opts.Model != "" {
		model = anthropic.Model(opts.Model)
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  convertAnthropicMessages(messages),
	}

	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}

	for _, def := range opts.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: def.InputSchema,
					Required:   def.Required,
				},
			},
		})
	}

	return params
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Args), tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			// Tool results go back as user-role tool_result blocks.
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		}
	}
	return out
}

func convertAnthropicResponse(resp *anthropic.Message) *Response {
	out := &Response{
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: json.RawMessage(variant.Input),
			})
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		out.FinishReason = "tool_use"
	case anthropic.StopReasonMaxTokens:
		out.FinishReason = "max_tokens"
	default:
		out.FinishReason = "end_turn"
	}

	return out
}

// Compile-time verification that AnthropicClient implements Client.
var _ Client = (*AnthropicClient)(nil)

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements LLM and StreamingLLM for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider. baseURL and model
// may be empty.
func NewAnthropicProvider(apiKey, baseURL, model string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are handled by RetryingLLM
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

func (p *AnthropicProvider) buildParams(prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) anthropic.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(resolveModel(p.model, opts.Model, defaultAnthropicModel)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		MaxTokens: int64(maxTokens),
	}

	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: opts.SystemPrompt},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, tool := range tools {
			toolParam := anthropic.ToolParam{
				Name: tool.Name,
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
					Required:   schemaRequired(tool.Parameters),
				},
			}
			if tool.Description != "" {
				toolParam.Description = anthropic.String(tool.Description)
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = toolParams
	}

	return params
}

// Call makes an API call to Anthropic Claude
func (p *AnthropicProvider) Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error) {
	response, err := p.client.Messages.New(ctx, p.buildParams(prompt, tools, opts))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	toolCalls := []toolexecutor.ToolCallParams{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			params, err := parseToolInput(b.JSON.Input.Raw())
			if err != nil {
				return nil, err
			}
			toolCalls = append(toolCalls, toolexecutor.ToolCallParams{
				Name:       b.Name,
				CallID:     b.ID,
				Parameters: params,
			})
		}
	}

	return &LLMResponse{
		Text:      text.String(),
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// anthropicToolAccumulator rebuilds chunked tool input JSON.
type anthropicToolAccumulator struct {
	id   string
	name string
	buf  strings.Builder
}

// CallStream streams text deltas to onDelta and returns the full response.
func (p *AnthropicProvider) CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(prompt, tools, opts))
	defer func() {
		_ = stream.Close()
	}()

	var text strings.Builder
	usage := &TokenUsage{}
	accumulators := map[int64]*anthropicToolAccumulator{}
	var order []int64

	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(variant.Message.Usage.InputTokens)
			usage.OutputTokens = int(variant.Message.Usage.OutputTokens)

		case anthropic.ContentBlockStartEvent:
			if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				accumulators[variant.Index] = &anthropicToolAccumulator{id: block.ID, name: block.Name}
				order = append(order, variant.Index)
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			case anthropic.InputJSONDelta:
				if acc, ok := accumulators[variant.Index]; ok {
					acc.buf.WriteString(delta.PartialJSON)
				}
			}

		case anthropic.MessageDeltaEvent:
			usage.OutputTokens = int(variant.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	toolCalls := make([]toolexecutor.ToolCallParams, 0, len(order))
	for _, idx := range order {
		acc := accumulators[idx]
		params, err := parseToolInput(acc.buf.String())
		if err != nil {
			return nil, err
		}
		toolCalls = append(toolCalls, toolexecutor.ToolCallParams{
			Name:       acc.name,
			CallID:     acc.id,
			Parameters: params,
		})
	}

	return &LLMResponse{Text: text.String(), ToolCalls: toolCalls, Usage: usage}, nil
}

func parseToolInput(raw string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("failed to parse tool input: %w", err)
	}
	return params, nil
}

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements LLM and StreamingLLM for OpenAI chat completions
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider. baseURL and model may be
// empty; a base URL also covers OpenAI-compatible servers.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

func (p *OpenAIProvider) buildParams(prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(resolveModel(p.model, opts.Model, defaultOpenAIModel)),
		Messages: messages,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	if len(tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(tools))
		for _, tool := range tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = toolParams
	}
	return params
}

// Call makes an API call to OpenAI
func (p *OpenAIProvider) Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error) {
	response, err := p.client.Chat.Completions.New(ctx, p.buildParams(prompt, tools, opts))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return openAIResponse(response)
}

// CallStream streams content deltas to onDelta and returns the accumulated
// completion.
func (p *OpenAIProvider) CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(prompt, tools, opts))
	defer func() {
		_ = stream.Close()
	}()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return openAIResponse(&acc.ChatCompletion)
}

func openAIResponse(response *openai.ChatCompletion) (*LLMResponse, error) {
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	choice := response.Choices[0]

	toolCalls := []toolexecutor.ToolCallParams{}
	for _, tc := range choice.Message.ToolCalls {
		params, err := parseToolInput(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
		}
		toolCalls = append(toolCalls, toolexecutor.ToolCallParams{
			Name:       tc.Function.Name,
			CallID:     tc.ID,
			Parameters: params,
		})
	}

	return &LLMResponse{
		Text:      strings.TrimSpace(choice.Message.Content),
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

// LLM is a language model the loop can call once per step.
type LLM interface {
	// Call returns the model text and tool calls. Provider failures are
	// returned as errors, never as a partial response.
	Call(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// StreamingLLM also streams text deltas while the response is produced.
// The returned response is the same as Call would return.
type StreamingLLM interface {
	LLM
	CallStream(ctx context.Context, prompt string, tools []toolexecutor.ToolCallDefinition, opts CallOptions, onDelta func(string)) (*LLMResponse, error)
}

// CallOptions are per-call model settings.
type CallOptions struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Text      string
	ToolCalls []toolexecutor.ToolCallParams
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile is one provider credential. Lower Priority is tried first.
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url,omitempty"`
	Model         string `json:"model,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLM, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLM, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s has no api key", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL, profile.Model), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL, profile.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused", "eof",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

// isAuthError reports credential problems worth trying another profile for.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403") ||
		strings.Contains(errMsg, "authentication") ||
		strings.Contains(errMsg, "invalid api key")
}

// resolveModel prefers the profile's model over the call default.
func resolveModel(profileModel, callModel, fallback string) string {
	if profileModel != "" {
		return profileModel
	}
	if callModel != "" {
		return callModel
	}
	return fallback
}

func schemaRequired(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

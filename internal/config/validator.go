package config

import (
	"fmt"
	"strings"
)

var knownHookEvents = []string{"agent:step", "agent:state", "tool:start", "tool:end"}

// Validator performs field-level checks that Validate leaves out. Its
// findings are reported as warnings by the CLI rather than aborting a run.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key prefix each provider issues.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

func (v *Validator) ValidateMode(mode string) error {
	return oneOf("agent mode", mode, []string{ModeAuto, ModeManual, ModeSupervised})
}

func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"trace", "debug", "info", "warn", "error"})
}

func (v *Validator) ValidateHookEvent(event string) error {
	return oneOf("hook event", event, knownHookEvents)
}

// ValidateConfig collects every field-level problem in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, p := range cfg.AI.Profiles {
		if p.Provider == "" {
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, p.ID, err))
		}
	}
	if cfg.AI.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("ai.retry.max_attempts must be >= 0"))
	}
	if cfg.AI.Retry.InitialBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("ai.retry.initial_backoff_ms must be >= 0"))
	}

	if err := v.ValidateMode(cfg.Agent.Mode); err != nil {
		errs = append(errs, err)
	}
	if cfg.Agent.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("agent.history_window must be >= 0"))
	}
	if cfg.Tools.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be >= 0"))
	}
	if cfg.Tools.MaxOutputSize < 0 {
		errs = append(errs, fmt.Errorf("tools.max_output_size must be >= 0"))
	}

	if err := v.ValidateTemperature(cfg.Models.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxTokens(cfg.Models.MaxTokens); err != nil {
		errs = append(errs, err)
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHookEvent(hook.Event); err != nil {
				errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errs = append(errs, fmt.Errorf("hook %d: script is required", i))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func oneOf(what, value string, valid []string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", what, value, strings.Join(valid, ", "))
}

package config

import (
	"encoding/json"
	"fmt"
)

const (
	ModeAuto       = "auto"
	ModeManual     = "manual"
	ModeSupervised = "supervised"
)

// Config is the on-disk runtime configuration.
type Config struct {
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	Workspace string `json:"workspace" mapstructure:"workspace"`

	Queue   QueueConfig   `json:"queue" mapstructure:"queue"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Models  ModelsConfig  `json:"models" mapstructure:"models"`
	AI      AIConfig      `json:"ai" mapstructure:"ai"`
	Hooks   HooksConfig   `json:"hooks" mapstructure:"hooks"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// QueueConfig sizes the shared task queue.
type QueueConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// AgentConfig controls the step loop.
type AgentConfig struct {
	ID                      string   `json:"id" mapstructure:"id"`
	Mode                    string   `json:"mode" mapstructure:"mode"` // auto, manual, supervised
	MaxSteps                int      `json:"max_steps" mapstructure:"max_steps"`
	SystemPrompt            string   `json:"system_prompt" mapstructure:"system_prompt"`
	HistoryWindow           int      `json:"history_window" mapstructure:"history_window"`
	FinalAnswerWithoutTools bool     `json:"final_answer_without_tools" mapstructure:"final_answer_without_tools"`
	ToolSets                []string `json:"toolsets" mapstructure:"toolsets"`
	StepPriority            int      `json:"step_priority" mapstructure:"step_priority"`
	ToolPriority            int      `json:"tool_priority" mapstructure:"tool_priority"`
}

type ToolsConfig struct {
	TimeoutSeconds     int  `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputSize      int  `json:"max_output_size" mapstructure:"max_output_size"`
	ExecTimeoutSeconds int  `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
	AllowExec          bool `json:"allow_exec" mapstructure:"allow_exec"`
}

type ModelsConfig struct {
	Default     string  `json:"default" mapstructure:"default"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// AIConfig holds provider credentials and retry policy.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
	Retry    RetryConfig `json:"retry" mapstructure:"retry"`
}

// AIProfile is one provider credential. Lower priority values are tried first.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

type HooksConfig struct {
	Enabled        bool        `json:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int         `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Entries        []HookEntry `json:"entries" mapstructure:"entries"`
}

// HookEntry binds a shell script to an agent event.
type HookEntry struct {
	Event   string `json:"event" mapstructure:"event"`
	Script  string `json:"script" mapstructure:"script"`
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{Concurrency: 3},
		Agent: AgentConfig{
			ID:                      "default",
			Mode:                    ModeAuto,
			MaxSteps:                10,
			HistoryWindow:           8,
			FinalAnswerWithoutTools: true,
			ToolSets:                []string{"filesystem"},
			StepPriority:            0,
			ToolPriority:            0,
		},
		Tools: ToolsConfig{
			TimeoutSeconds:     60,
			MaxOutputSize:      10 * 1024,
			ExecTimeoutSeconds: 30,
			AllowExec:          false,
		},
		Models: ModelsConfig{
			Default:     "claude-sonnet-4-5",
			Temperature: 0.2,
			MaxTokens:   4096,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
			Retry: RetryConfig{
				MaxAttempts:      3,
				InitialBackoffMs: 1000,
			},
		},
		Hooks: HooksConfig{
			Enabled:        false,
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "continue-reasoning",
		},
	}
}

// String returns the config as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate reports the first problem that would prevent an agent run.
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: add a profile under ai.profiles or set ANTHROPIC_API_KEY / OPENAI_API_KEY")
	}
	for i, p := range c.AI.Profiles {
		if p.ID == "" {
			return fmt.Errorf("AI profile %d: id is required", i)
		}
		if p.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", p.ID)
		}
		switch p.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", p.ID, p.Provider)
		}
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be >= 1, got %d", c.Queue.Concurrency)
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be >= 1, got %d", c.Agent.MaxSteps)
	}
	switch c.Agent.Mode {
	case ModeAuto, ModeManual, ModeSupervised:
	default:
		return fmt.Errorf("invalid agent.mode %q (must be: auto, manual, supervised)", c.Agent.Mode)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".continue-reasoning"
	configFileName = "config.json"
	envPrefix      = "CR"
)

// Loader reads and writes the JSON config file.
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, overlays CR_* environment variables and fills
// derived paths. A missing file yields defaults plus environment overrides.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace = wd
		}
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "continue-reasoning.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv()
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("workspace", cfg.Workspace)

	v.SetDefault("queue.concurrency", cfg.Queue.Concurrency)

	v.SetDefault("agent.id", cfg.Agent.ID)
	v.SetDefault("agent.mode", cfg.Agent.Mode)
	v.SetDefault("agent.max_steps", cfg.Agent.MaxSteps)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.history_window", cfg.Agent.HistoryWindow)
	v.SetDefault("agent.final_answer_without_tools", cfg.Agent.FinalAnswerWithoutTools)
	v.SetDefault("agent.toolsets", cfg.Agent.ToolSets)
	v.SetDefault("agent.step_priority", cfg.Agent.StepPriority)
	v.SetDefault("agent.tool_priority", cfg.Agent.ToolPriority)

	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.max_output_size", cfg.Tools.MaxOutputSize)
	v.SetDefault("tools.exec_timeout_seconds", cfg.Tools.ExecTimeoutSeconds)
	v.SetDefault("tools.allow_exec", cfg.Tools.AllowExec)

	v.SetDefault("models.default", cfg.Models.Default)
	v.SetDefault("models.temperature", cfg.Models.Temperature)
	v.SetDefault("models.max_tokens", cfg.Models.MaxTokens)

	v.SetDefault("ai.retry.max_attempts", cfg.AI.Retry.MaxAttempts)
	v.SetDefault("ai.retry.initial_backoff_ms", cfg.AI.Retry.InitialBackoffMs)

	v.SetDefault("hooks.enabled", cfg.Hooks.Enabled)
	v.SetDefault("hooks.timeout_seconds", cfg.Hooks.TimeoutSeconds)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// profilesFromEnv derives credentials from the providers' conventional
// environment variables.
func profilesFromEnv() []AIProfile {
	var profiles []AIProfile
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 0})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		profiles = append(profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Priority: 1})
	}
	return profiles
}

// Save writes cfg to the config file, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace", cfg.Workspace)
	v.Set("queue", cfg.Queue)
	v.Set("agent", cfg.Agent)
	v.Set("tools", cfg.Tools)
	v.Set("models", cfg.Models)
	v.Set("ai", cfg.AI)
	v.Set("hooks", cfg.Hooks)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the resolved config file path, or "" if the home
// directory is unknown.
func (l *Loader) ConfigPath() string {
	p, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDirName, configFileName), nil
}

// Load is a convenience wrapper around NewLoader(configPath).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

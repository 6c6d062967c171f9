package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 0},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, ModeAuto, cfg.Agent.Mode)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.Equal(t, 8, cfg.Agent.HistoryWindow)
	assert.True(t, cfg.Agent.FinalAnswerWithoutTools)
	assert.Equal(t, 10*1024, cfg.Tools.MaxOutputSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.AI.Profiles)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no profiles", func(c *Config) { c.AI.Profiles = nil }, "no AI credentials"},
		{"missing profile id", func(c *Config) { c.AI.Profiles[0].ID = "" }, "id is required"},
		{"missing api key", func(c *Config) { c.AI.Profiles[0].APIKey = "" }, "api_key is required"},
		{"unknown provider", func(c *Config) { c.AI.Profiles[0].Provider = "gemini" }, "invalid provider"},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }, "queue.concurrency"},
		{"zero max steps", func(c *Config) { c.Agent.MaxSteps = 0 }, "agent.max_steps"},
		{"bad mode", func(c *Config) { c.Agent.Mode = "yolo" }, "invalid agent.mode"},
		{"no model", func(c *Config) { c.Models.Default = "" }, "models.default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigString(t *testing.T) {
	out := validConfig().String()

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "queue")
	assert.Contains(t, decoded, "agent")
}

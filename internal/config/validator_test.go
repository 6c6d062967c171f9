package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-123", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-123", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-123", "openai"))
	assert.Error(t, v.ValidateAPIKey("key-123", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}

func TestValidateScalars(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMode("supervised"))
	assert.Error(t, v.ValidateMode("free"))
	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.NoError(t, v.ValidateHookEvent("tool:end"))
	assert.Error(t, v.ValidateHookEvent("tool:finish"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("clean config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles[0].APIKey = "wrong"
		cfg.Logging.Level = "loud"
		cfg.Hooks.Enabled = true
		cfg.Hooks.Entries = []HookEntry{
			{Event: "agent:step", Script: "", Enabled: true},
			{Event: "bogus", Script: "true", Enabled: true},
			{Event: "bogus", Script: "", Enabled: false},
		}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}

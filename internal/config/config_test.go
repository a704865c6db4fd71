package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Models.Default)
	assert.Equal(t, 50, cfg.Agent.MaxIterations)
	assert.Equal(t, "medium", cfg.Agent.ReasoningEffort)
	assert.Equal(t, 200000, cfg.Compaction.ContextWindowTokens)
	assert.InDelta(t, 0.8, cfg.Compaction.ThresholdFraction, 1e-9)
	assert.Equal(t, 3, cfg.Compaction.KeepRecentTurns)
	assert.Equal(t, 120, cfg.Retry.TimeBudgetSeconds)
	assert.Equal(t, 10*1024, cfg.Tools.OutputLimitBytes)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Gateway.Enabled)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.Anthropic.APIKey = "sk-ant-test123"

		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing API keys", func(t *testing.T) {
		cfg := DefaultConfig()

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no provider API key")
	})

	t.Run("bad anthropic key format", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.Anthropic.APIKey = "not-a-key"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sk-ant-")
	})

	t.Run("bad compaction threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.OpenAI.APIKey = "sk-test"
		cfg.Compaction.ThresholdFraction = 1.5

		assert.Error(t, cfg.Validate())
	})

	t.Run("bad cron schedule", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.OpenAI.APIKey = "sk-test"
		cfg.Store.CleanupSchedule = "not a schedule"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cron")
	})

	t.Run("gateway port checked only when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.OpenAI.APIKey = "sk-test"
		cfg.Gateway.Port = -1

		assert.NoError(t, cfg.Validate())

		cfg.Gateway.Enabled = true
		assert.Error(t, cfg.Validate())
	})
}

func TestProviderForModel(t *testing.T) {
	cfg := DefaultConfig()

	provider, err := cfg.ProviderForModel("claude-opus-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)

	provider, err = cfg.ProviderForModel("gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)

	_, err = cfg.ProviderForModel("mystery-model")
	assert.Error(t, err)
}

func TestProviderForModel_LongestPrefixWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Providers["claude-special-"] = "openai"

	provider, err := cfg.ProviderForModel("claude-special-1")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
}

func TestResolveModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Aliases = map[string]string{"fast": "claude-haiku-4"}

	assert.Equal(t, "claude-haiku-4", cfg.ResolveModel("fast"))
	assert.Equal(t, cfg.Models.Default, cfg.ResolveModel(""))
	assert.Equal(t, "gpt-5", cfg.ResolveModel("gpt-5"))
}

func TestConfigString_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-super-secret"
	cfg.Gateway.AuthToken = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "sk-super-secret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "***")
}

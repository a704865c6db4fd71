package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "claude-sonnet-4-5", cfg.Models.Default)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"providers": {
				"anthropic": {"api_key": "sk-ant-test-key"}
			},
			"models": {"default": "claude-opus-4"},
			"store": {"backend": "sqlite"}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "sk-ant-test-key", cfg.Providers.Anthropic.APIKey)
		assert.Equal(t, "claude-opus-4", cfg.Models.Default)
		assert.Equal(t, "sqlite", cfg.Store.Backend)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"providers": {
				"anthropic": {"api_key": "sk-ant-test-key"}
			}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Logging.File)
		assert.NotEmpty(t, cfg.Store.Dir)
		assert.NotEmpty(t, cfg.Store.DSN)
	})

	t.Run("environment API key fills empty config", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "sk-ant-from-env", cfg.Providers.Anthropic.APIKey)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")

		err := os.WriteFile(configPath, []byte("invalid json"), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		_, err = loader.Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		cfg := DefaultConfig()
		cfg.Providers.Anthropic.APIKey = "sk-ant-test-key"
		cfg.Models.Default = "claude-opus-4"

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		// Verify file was created
		_, err = os.Stat(configPath)
		assert.NoError(t, err)

		// Load and verify
		loader2 := NewLoader(configPath)
		loadedCfg, err := loader2.Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-test-key", loadedCfg.Providers.Anthropic.APIKey)
		assert.Equal(t, "claude-opus-4", loadedCfg.Models.Default)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "config.json")

		cfg := DefaultConfig()
		cfg.Providers.Anthropic.APIKey = "sk-ant-test-key"

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		// Verify directory was created
		_, err = os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		path := loader.GetConfigPath()
		assert.Equal(t, "/custom/path/config.json", path)
	})

	t.Run("default path", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, ".relay")
	})
}

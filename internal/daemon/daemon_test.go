package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/relay/internal/config"
	"github.com/halim/relay/internal/logger"
	"github.com/halim/relay/pkg/history"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Providers.Anthropic.APIKey = "test-key"
	cfg.Gateway.Enabled = false
	cfg.Tracing.Enabled = false
	cfg.Store.RetentionDays = 0
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestNew_RequiresProviderCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Anthropic.APIKey = ""
	cfg.Providers.OpenAI.APIKey = ""

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider credentials")
}

func TestNew_RejectsUnknownStoreBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "postgres"

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, d.Manager())

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start must fail")

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)

	pidData, err := os.ReadFile(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.NotEmpty(t, pidData)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(), "second stop must fail")

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err), "PID file must be removed on stop")
}

func TestDaemon_CreatesWorkspaceAndRegistersTools(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.store != nil {
			d.release()
		}
	})

	info, err := os.Stat(filepath.Join(cfg.DataDir, "workspace"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	for _, name := range []string{"read_file", "write_file", "edit_file", "list_dir", "exec"} {
		assert.NotNil(t, d.tools.Get(name), "tool %s must be registered", name)
	}
	assert.True(t, d.tools.RequiresConfirmation("exec"))
}

func TestBuildAdapters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.OpenAI.APIKey = "openai-key"

	adapters, err := buildAdapters(cfg)
	require.NoError(t, err)
	assert.Len(t, adapters, 2)
	assert.Contains(t, adapters, history.ProviderResponses)
	assert.Contains(t, adapters, history.ProviderMessages)
}

func TestResolveProvider(t *testing.T) {
	cfg := testConfig(t)
	resolve := resolveProvider(cfg)

	prov, err := resolve("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, history.ProviderMessages, prov)

	prov, err = resolve("gpt-5")
	require.NoError(t, err)
	assert.Equal(t, history.ProviderResponses, prov)

	_, err = resolve("mystery-model")
	assert.Error(t, err)
}

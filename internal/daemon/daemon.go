// Package daemon assembles the relay runtime: the session store, provider
// adapters, the tool gateway, the run manager, and the websocket gateway.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/halim/relay/internal/config"
	"github.com/halim/relay/internal/logger"
	"github.com/halim/relay/internal/observability"
	"github.com/halim/relay/internal/tracing"
	"github.com/halim/relay/pkg/coretools"
	"github.com/halim/relay/pkg/gateway"
	"github.com/halim/relay/pkg/history"
	"github.com/halim/relay/pkg/provider"
	"github.com/halim/relay/pkg/retry"
	"github.com/halim/relay/pkg/runtime"
	"github.com/halim/relay/pkg/store"
	"github.com/halim/relay/pkg/toolexec"
)

// Daemon is the long-running relay process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store   store.Store
	sweeper *store.Sweeper
	tools   *toolexec.Gateway
	manager *runtime.Manager
	gateway *gateway.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon's state.
type Status struct {
	Running bool          `json:"running"`
	PID     int           `json:"pid"`
	Uptime  time.Duration `json:"uptime"`
}

// New wires a daemon from configuration. The daemon owns every component it
// builds and releases them in Stop.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	observability.EnsureRegistered()

	d := &Daemon{config: cfg, logger: log}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit log")
	}

	if err := d.build(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := d.buildStore()
	if err != nil {
		return err
	}
	d.store = st

	if cfg.Store.RetentionDays > 0 {
		age := time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour
		d.sweeper = store.NewSweeper(st, age, cfg.Store.CleanupSchedule)
	}

	d.tools = toolexec.New(toolexec.Options{
		OutputLimit:   cfg.Tools.OutputLimitBytes,
		Timeout:       time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		ImageMaxBytes: cfg.Tools.ImageMaxBytes,
		ImageMaxEdge:  cfg.Tools.ImageMaxEdge,
	})

	workspaceDir := filepath.Join(cfg.DataDir, "workspace")
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	if err := coretools.Register(d.tools, coretools.Options{
		WorkspaceRoot: workspaceDir,
		EnableExec:    true,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	compactBudget := int(float64(cfg.Compaction.ContextWindowTokens) * cfg.Compaction.ThresholdFraction)

	d.manager, err = runtime.NewManager(st, d.tools, adapters, runtime.ManagerOptions{
		ResolveProvider:     resolveProvider(cfg),
		ResolveModel:        cfg.ResolveModel,
		CompactBudgetTokens: compactBudget,
		KeepRecentTurns:     cfg.Compaction.KeepRecentTurns,
		SummaryModel:        cfg.Compaction.SummaryModel,
		ReplayBuffer:        cfg.Gateway.ReplayBuffer,
		Loop: runtime.LoopConfig{
			SystemPrompt:    cfg.Agent.SystemPrompt,
			MaxIterations:   cfg.Agent.MaxIterations,
			MaxTokens:       cfg.Agent.MaxTokens,
			Temperature:     cfg.Agent.Temperature,
			ReasoningEffort: cfg.Agent.ReasoningEffort,
			ConfirmTools:    cfg.Tools.ConfirmationRequired,
			Retry: retry.Options{
				TimeBudget:        time.Duration(cfg.Retry.TimeBudgetSeconds) * time.Second,
				BaseDelay:         time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
				MaxDelay:          time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
				RateLimitMinDelay: time.Duration(cfg.Retry.RateLimitFloorMs) * time.Millisecond,
				RateLimitMaxDelay: time.Duration(cfg.Retry.RateLimitCeilingMs) * time.Millisecond,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build run manager: %w", err)
	}

	if cfg.Gateway.Enabled {
		d.gateway, err = gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.AuthToken,
			Manager:      d.manager,
			Store:        st,
			Logger:       d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to build gateway server: %w", err)
		}
	}
	return nil
}

func (d *Daemon) buildStore() (store.Store, error) {
	cfg := d.config
	switch cfg.Store.Backend {
	case "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.DataDir, "relay.db")
		}
		return store.NewSQLiteStore(dsn)
	case "", "file":
		dir := cfg.Store.Dir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "sessions")
		}
		return store.NewFileStore(dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildAdapters creates one adapter per configured provider. At least one
// credential must be present.
func buildAdapters(cfg *config.Config) (map[history.Provider]provider.Adapter, error) {
	adapters := make(map[history.Provider]provider.Adapter)

	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		var opts []provider.ResponsesOption
		if cfg.Providers.OpenAI.Background {
			opts = append(opts, provider.WithBackground())
		}
		adapters[history.ProviderResponses] = provider.NewResponsesAdapter(key, cfg.Providers.OpenAI.BaseURL, opts...)
	}
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		breaker := provider.NewConsecutiveBreaker(3, 5*time.Minute)
		adapters[history.ProviderMessages] = provider.NewMessagesAdapter(key, cfg.Providers.Anthropic.BaseURL,
			provider.WithCacheBreaker(breaker))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no provider credentials configured; set at least one API key")
	}
	return adapters, nil
}

// resolveProvider maps model names to adapters using the configured prefix
// table.
func resolveProvider(cfg *config.Config) func(model string) (history.Provider, error) {
	return func(model string) (history.Provider, error) {
		name, err := cfg.ProviderForModel(model)
		if err != nil {
			return "", err
		}
		switch name {
		case "openai":
			return history.ProviderResponses, nil
		case "anthropic":
			return history.ProviderMessages, nil
		default:
			return "", fmt.Errorf("unknown provider %q for model %q", name, model)
		}
	}
}

// Start brings up the background services. It returns immediately; the
// daemon keeps running until Stop.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start retention sweeper: %w", err)
		}
	}
	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			if d.sweeper != nil {
				d.sweeper.Stop()
			}
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	d.running = true
	d.startTime = time.Now()
	d.logger.Info().
		Int("pid", os.Getpid()).
		Bool("gateway", d.gateway != nil).
		Msg("Daemon started")
	return nil
}

// Stop shuts everything down in reverse dependency order: gateway first so
// no new runs arrive, then active runs, then the sweeper and store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return fmt.Errorf("daemon is not running")
	}

	d.logger.Info().Msg("Stopping daemon")

	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway shutdown reported an error")
		}
	}
	d.manager.Shutdown()
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	d.release()
	d.removePIDFile()

	d.running = false
	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// release closes resources that New may have opened before a failure.
func (d *Daemon) release() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close session store")
		}
		d.store = nil
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Manager exposes the run manager for embedding callers.
func (d *Daemon) Manager() *runtime.Manager {
	return d.manager
}

// Status reports whether the daemon is running and for how long.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Status{Running: d.running, PID: os.Getpid()}
	if d.running {
		s.Uptime = time.Since(d.startTime)
	}
	return s
}

// PIDFilePath is where a running daemon records its process id.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, "relay.pid")
}

func (d *Daemon) writePIDFile() error {
	path := PIDFilePath(d.config.DataDir)
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	if err := os.Remove(PIDFilePath(d.config.DataDir)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn().Err(err).Msg("Failed to remove PID file")
	}
}

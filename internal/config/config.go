package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the main relay configuration.
type Config struct {
	// Providers holds per-backend credentials and endpoints.
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Models maps model names to providers and picks the default.
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Agent tunes the run loop.
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Compaction tunes history summarization.
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Retry tunes transient-error backoff for provider calls.
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Tools tunes tool execution and confirmation.
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Store selects and tunes the session store backend.
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Gateway configures the websocket event bridge.
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing configures OpenTelemetry.
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProvidersConfig holds the two backend credential blocks.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
}

// ProviderConfig holds one backend's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// Background enables background-mode requests with polling where the
	// backend supports it.
	Background bool `json:"background" mapstructure:"background"`
}

// ModelsConfig maps models to providers.
type ModelsConfig struct {
	Default string `json:"default" mapstructure:"default"`

	// Providers maps model-name prefixes to provider ids ("openai",
	// "anthropic"). Longest prefix wins.
	Providers map[string]string `json:"providers" mapstructure:"providers"`

	Aliases map[string]string `json:"aliases" mapstructure:"aliases"`
}

// AgentConfig tunes the run loop.
type AgentConfig struct {
	SystemPrompt    string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations   int     `json:"max_iterations" mapstructure:"max_iterations"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	ReasoningEffort string  `json:"reasoning_effort" mapstructure:"reasoning_effort"` // none, low, medium, high, max
}

// CompactionConfig tunes history summarization.
type CompactionConfig struct {
	// ContextWindowTokens is the model context size the budget is derived
	// from.
	ContextWindowTokens int `json:"context_window_tokens" mapstructure:"context_window_tokens"`

	// ThresholdFraction of the window that triggers compaction.
	ThresholdFraction float64 `json:"threshold_fraction" mapstructure:"threshold_fraction"`

	// KeepRecentTurns are never summarized.
	KeepRecentTurns int `json:"keep_recent_turns" mapstructure:"keep_recent_turns"`

	// SummaryModel overrides the session model for summarization calls.
	SummaryModel string `json:"summary_model" mapstructure:"summary_model"`
}

// RetryConfig tunes provider-call backoff.
type RetryConfig struct {
	TimeBudgetSeconds  int `json:"time_budget_seconds" mapstructure:"time_budget_seconds"`
	BaseDelayMs        int `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs         int `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	RateLimitFloorMs   int `json:"rate_limit_floor_ms" mapstructure:"rate_limit_floor_ms"`
	RateLimitCeilingMs int `json:"rate_limit_ceiling_ms" mapstructure:"rate_limit_ceiling_ms"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	// ConfirmationRequired lists tool names that need an explicit approval
	// before running. "*" requires approval for every tool.
	ConfirmationRequired []string `json:"confirmation_required" mapstructure:"confirmation_required"`

	// OutputLimitBytes truncates tool output beyond this size.
	OutputLimitBytes int `json:"output_limit_bytes" mapstructure:"output_limit_bytes"`

	// TimeoutSeconds bounds a single tool execution.
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`

	// Image handling for tools that return screenshots.
	ImageMaxBytes int `json:"image_max_bytes" mapstructure:"image_max_bytes"`
	ImageMaxEdge  int `json:"image_max_edge" mapstructure:"image_max_edge"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `json:"backend" mapstructure:"backend"`

	// Dir holds JSONL session files for the file backend.
	Dir string `json:"dir" mapstructure:"dir"`

	// DSN is the sqlite database path for the sqlite backend.
	DSN string `json:"dsn" mapstructure:"dsn"`

	// RetentionDays before idle sessions are archived. 0 disables the sweep.
	RetentionDays int `json:"retention_days" mapstructure:"retention_days"`

	// CleanupSchedule is a cron expression for the retention sweep.
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// GatewayConfig configures the websocket event bridge.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`

	// ReplayBuffer is how many replayable events each session retains for
	// late subscribers.
	ReplayBuffer int `json:"replay_buffer" mapstructure:"replay_buffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5",
			Providers: map[string]string{
				"gpt-":    "openai",
				"o3":      "openai",
				"o4":      "openai",
				"claude-": "anthropic",
			},
		},
		Agent: AgentConfig{
			MaxIterations:   50,
			MaxTokens:       8192,
			ReasoningEffort: "medium",
		},
		Compaction: CompactionConfig{
			ContextWindowTokens: 200000,
			ThresholdFraction:   0.8,
			KeepRecentTurns:     3,
		},
		Retry: RetryConfig{
			TimeBudgetSeconds:  120,
			BaseDelayMs:        500,
			MaxDelayMs:         15000,
			RateLimitFloorMs:   2000,
			RateLimitCeilingMs: 60000,
		},
		Tools: ToolsConfig{
			OutputLimitBytes: 10 * 1024,
			TimeoutSeconds:   120,
			ImageMaxBytes:    4 * 1024 * 1024,
			ImageMaxEdge:     1568,
		},
		Store: StoreConfig{
			Backend:         "file",
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         7317,
			ReplayBuffer: 256,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "relay",
		},
	}
}

// ResolveModel resolves aliases to a concrete model name.
func (c *Config) ResolveModel(model string) string {
	if model == "" {
		model = c.Models.Default
	}
	if alias, ok := c.Models.Aliases[model]; ok {
		return alias
	}
	return model
}

// ProviderForModel returns the provider id owning a model name, using the
// longest matching prefix from the providers map.
func (c *Config) ProviderForModel(model string) (string, error) {
	model = c.ResolveModel(model)
	var best string
	var bestLen int
	for prefix, provider := range c.Models.Providers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = provider
			bestLen = len(prefix)
		}
	}
	if best == "" {
		return "", fmt.Errorf("no provider configured for model %q", model)
	}
	return best, nil
}

// Validate runs comprehensive validation and joins the failures.
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// String renders the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Providers.OpenAI.APIKey != "" {
		masked.Providers.OpenAI.APIKey = "***"
	}
	if masked.Providers.Anthropic.APIKey != "" {
		masked.Providers.Anthropic.APIKey = "***"
	}
	if masked.Gateway.AuthToken != "" {
		masked.Gateway.AuthToken = "***"
	}
	out, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

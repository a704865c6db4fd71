package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
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

// ValidateReasoningEffort validates the reasoning effort level
func (v *Validator) ValidateReasoningEffort(effort string) error {
	if effort == "" {
		return nil // Use default
	}

	validEfforts := []string{"none", "low", "medium", "high", "max"}
	for _, valid := range validEfforts {
		if effort == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid reasoning effort: %s (must be one of: %s)", effort, strings.Join(validEfforts, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStoreBackend validates the store backend name
func (v *Validator) ValidateStoreBackend(backend string) error {
	if backend == "" {
		return nil // Use default
	}

	validBackends := []string{"file", "sqlite"}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid store backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateCronSchedule validates a cron expression
func (v *Validator) ValidateCronSchedule(schedule string) error {
	if schedule == "" {
		return nil // Use default
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// At least one provider must be usable
	if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.Anthropic.APIKey == "" {
		errors = append(errors, fmt.Errorf("no provider API key configured"))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Providers.OpenAI.APIKey, "openai"); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Providers.Anthropic.APIKey, "anthropic"); err != nil {
			errors = append(errors, err)
		}
	}

	// Validate agent loop settings
	if cfg.Agent.MaxIterations <= 0 {
		errors = append(errors, fmt.Errorf("agent.max_iterations must be positive"))
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateReasoningEffort(cfg.Agent.ReasoningEffort); err != nil {
		errors = append(errors, err)
	}

	// Validate compaction
	if cfg.Compaction.ContextWindowTokens <= 0 {
		errors = append(errors, fmt.Errorf("compaction.context_window_tokens must be positive"))
	}
	if cfg.Compaction.ThresholdFraction <= 0 || cfg.Compaction.ThresholdFraction > 1 {
		errors = append(errors, fmt.Errorf("compaction.threshold_fraction must be in (0, 1]"))
	}
	if cfg.Compaction.KeepRecentTurns < 1 {
		errors = append(errors, fmt.Errorf("compaction.keep_recent_turns must be >= 1"))
	}

	// Validate retry
	if cfg.Retry.TimeBudgetSeconds < 0 {
		errors = append(errors, fmt.Errorf("retry.time_budget_seconds must be >= 0"))
	}
	if cfg.Retry.BaseDelayMs < 0 {
		errors = append(errors, fmt.Errorf("retry.base_delay_ms must be >= 0"))
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		errors = append(errors, fmt.Errorf("retry.max_delay_ms must be >= retry.base_delay_ms"))
	}

	// Validate store
	if err := v.ValidateStoreBackend(cfg.Store.Backend); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateCronSchedule(cfg.Store.CleanupSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Store.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("store.retention_days must be >= 0"))
	}

	// Validate gateway
	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			errors = append(errors, fmt.Errorf("gateway.port must be in 1..65535"))
		}
		if cfg.Gateway.ReplayBuffer < 0 {
			errors = append(errors, fmt.Errorf("gateway.replay_buffer must be >= 0"))
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

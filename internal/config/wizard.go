package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Relay Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// API Keys
	fmt.Println("API Keys (at least one is required):")
	fmt.Println()

	// Anthropic API Key
	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers.Anthropic.APIKey = key
		break
	}

	// OpenAI API Key
	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Providers.OpenAI.APIKey = key
		break
	}

	// Check if at least one API key is provided
	if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Println()

	// Default Model
	fmt.Println("Default Model:")
	fmt.Printf("Model name [%s]: ", cfg.Models.Default)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if model != "" {
		if _, err := cfg.ProviderForModel(model); err != nil {
			fmt.Printf("Warning: %v, keeping default (%s)\n", err, cfg.Models.Default)
		} else {
			cfg.Models.Default = model
		}
	}

	fmt.Println()

	// Session store
	fmt.Println("Session store:")
	fmt.Print("Backend (file/sqlite) [file]: ")
	backend, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if backend != "" {
		if err := validator.ValidateStoreBackend(backend); err != nil {
			fmt.Printf("Warning: %v, using default (file)\n", err)
		} else {
			cfg.Store.Backend = backend
		}
	}

	fmt.Println()

	// Gateway
	fmt.Print("Enable websocket gateway? (y/n) [n]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(enable) == "y" {
		cfg.Gateway.Enabled = true
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/codefionn/turnloop/internal/failures"
	"github.com/codefionn/turnloop/internal/history"
	"github.com/codefionn/turnloop/internal/loop"
	"github.com/codefionn/turnloop/internal/tokens"
)

const appName = "turnloop"

// Environment variables that override file values.
const (
	EnvLogLevel = "TURNLOOP_LOG_LEVEL"
	EnvLogPath  = "TURNLOOP_LOG_PATH"
	EnvBudget   = "TURNLOOP_BUDGET"
	EnvProvider = "TURNLOOP_PROVIDER"
	EnvModel    = "TURNLOOP_MODEL"
)

// Config represents application configuration
type Config struct {
	Provider          string  `json:"provider"` // "anthropic", "openai" or "google"
	Model             string  `json:"model,omitempty"`
	APIKeyEnv         string  `json:"api_key_env,omitempty"` // defaults per provider
	BaseURL           string  `json:"base_url,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty"` // output tokens per response
	Budget            int     `json:"budget"`
	TailSize          int     `json:"tail_size"`
	SubBudgetFraction float64 `json:"sub_budget_fraction"`
	RetryThreshold    int     `json:"retry_threshold"`
	MaxContinuations  int     `json:"max_continuations"`
	ReadBackTool      string  `json:"read_back_tool,omitempty"`
	CharsPerToken     float64 `json:"chars_per_token"`
	SystemPrompt      string  `json:"system_prompt,omitempty"`
	WorkingDir        string  `json:"working_dir"`
	FocusPath         string  `json:"focus_path,omitempty"`
	WatchFocus        bool    `json:"watch_focus"`
	LogLevel          string  `json:"log_level"` // debug, info, warn, error, none
	LogPath           string  `json:"-"`
}

const defaultSystemPrompt = "You are a coding assistant working inside the user's project. " +
	"Use the available tools to inspect and change files. Read a file before editing it."

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		return defaultConfigDir()
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	pruner := history.DefaultOptions()
	return &Config{
		Provider:          "anthropic",
		Budget:            loop.DefaultBudget,
		TailSize:          pruner.TailSize,
		SubBudgetFraction: pruner.SubBudgetFraction,
		RetryThreshold:    failures.DefaultRetryThreshold,
		MaxContinuations:  loop.DefaultMaxContinuations,
		ReadBackTool:      "read_file",
		CharsPerToken:     tokens.DefaultCharsPerToken,
		SystemPrompt:      defaultSystemPrompt,
		WorkingDir:        ".",
		WatchFocus:        true,
		LogLevel:          "info",
		LogPath:           filepath.Join(defaultStateDir(), appName+".log"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		// Unmarshal into default config (overrides only provided fields)
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if config.WorkingDir == "" {
		config.WorkingDir = "."
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), appName+".log")
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays the TURNLOOP_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv(EnvProvider)); v != "" {
		c.Provider = v
	}
	if v := strings.TrimSpace(getenv(EnvModel)); v != "" {
		c.Model = v
	}
	if v := strings.TrimSpace(getenv(EnvBudget)); v != "" {
		budget, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvBudget, v, err)
		}
		c.Budget = budget
	}
	return nil
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "anthropic", "openai", "google", "gemini":
	case "":
		return errors.New("provider is required")
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Budget < 0 {
		return fmt.Errorf("budget must not be negative, got %d", c.Budget)
	}
	if c.TailSize < 0 {
		return fmt.Errorf("tail_size must not be negative, got %d", c.TailSize)
	}
	if c.SubBudgetFraction < 0 || c.SubBudgetFraction > 1 {
		return fmt.Errorf("sub_budget_fraction must be within [0, 1], got %g", c.SubBudgetFraction)
	}
	if c.RetryThreshold < 1 {
		return fmt.Errorf("retry_threshold must be at least 1, got %d", c.RetryThreshold)
	}
	if c.MaxContinuations < 0 {
		return fmt.Errorf("max_continuations must not be negative, got %d", c.MaxContinuations)
	}
	if c.CharsPerToken < 0 {
		return fmt.Errorf("chars_per_token must not be negative, got %g", c.CharsPerToken)
	}
	return nil
}

// APIKeyVariable returns the environment variable holding the backend key.
func (c *Config) APIKeyVariable() string {
	if c.APIKeyEnv != "" {
		return c.APIKeyEnv
	}
	switch strings.ToLower(c.Provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "google", "gemini":
		return "GEMINI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

// APIKey reads the backend key from the environment.
func (c *Config) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.APIKeyVariable()))
}

// PrunerOptions maps the pruning settings onto history.Options.
func (c *Config) PrunerOptions() history.Options {
	opts := history.DefaultOptions()
	if c.TailSize > 0 {
		opts.TailSize = c.TailSize
	}
	if c.SubBudgetFraction > 0 {
		opts.SubBudgetFraction = c.SubBudgetFraction
	}
	return opts
}

// LoopConfig maps the engine settings onto loop.Config.
func (c *Config) LoopConfig() loop.Config {
	cfg := loop.DefaultConfig()
	cfg.Budget = c.Budget
	if c.MaxContinuations > 0 {
		cfg.MaxContinuations = c.MaxContinuations
	}
	cfg.SystemPrompt = c.SystemPrompt
	cfg.FocusPath = c.FocusPath
	cfg.ReadBackTool = c.ReadBackTool
	cfg.Pruner = c.PrunerOptions()
	return cfg
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

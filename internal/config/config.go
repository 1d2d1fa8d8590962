// Package config is the on-disk configuration for majordomo.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultListen             = "127.0.0.1:7777"
	defaultMaxIterations      = 8
	defaultToolTimeoutSec     = 60
	defaultProviderTimeoutSec = 120
	defaultMaxToolParallel    = 4
	defaultTickSeconds        = 60
	defaultMaxRunsPerHour     = 30
	defaultRetryBaseSec       = 30
)

// Config is the full on-disk configuration.
//
// NOTE: API keys never live in this file. Provider keys are resolved from the
// environment via api_key_env.
type Config struct {
	// Listen is the HTTP listen address. Defaults to 127.0.0.1:7777; the
	// server is meant to stay on loopback.
	Listen string `json:"listen,omitempty"`

	// DataDir holds the sqlite databases. Defaults to the config directory.
	DataDir string `json:"data_dir,omitempty"`

	// Workspace is the sandbox root for file tools. Required.
	Workspace string `json:"workspace"`

	Provider     ProviderConfig     `json:"provider"`
	Agent        AgentConfig        `json:"agent,omitempty"`
	Scheduler    SchedulerConfig    `json:"scheduler,omitempty"`
	Integrations IntegrationsConfig `json:"integrations,omitempty"`

	// Permissions is the default permission scope for interactive chat.
	// Empty means every registered tool is callable.
	Permissions []string `json:"permissions,omitempty"`

	// SeedFile is an optional YAML file of scheduled actions imported at
	// startup (upsert by name).
	SeedFile string `json:"seed_file,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// ProviderConfig selects the LLM backend.
type ProviderConfig struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	Model string `json:"model"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible, optional otherwise.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per type (OPENAI_API_KEY / ANTHROPIC_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

type AgentConfig struct {
	SystemPrompt       string `json:"system_prompt,omitempty"`
	MaxIterations      *int   `json:"max_iterations,omitempty"`
	ToolTimeoutSec     *int   `json:"tool_timeout_seconds,omitempty"`
	ProviderTimeoutSec *int   `json:"provider_timeout_seconds,omitempty"`
	MaxToolParallel    *int   `json:"max_tool_parallel,omitempty"`
}

// IntegrationsConfig enables the builtin collaborator clients. A tool whose
// client is not configured stays unregistered.
type IntegrationsConfig struct {
	// WebSearchAPIKeyEnv names the env var holding the Brave Search API key.
	// Defaults to BRAVE_SEARCH_API_KEY; web tools register only when the
	// resolved key is non-empty.
	WebSearchAPIKeyEnv string `json:"web_search_api_key_env,omitempty"`
}

// WebSearchAPIKey resolves the Brave key from the environment.
func (c *IntegrationsConfig) WebSearchAPIKey() string {
	env := strings.TrimSpace(c.WebSearchAPIKeyEnv)
	if env == "" {
		env = "BRAVE_SEARCH_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}

type SchedulerConfig struct {
	TickSeconds      *int `json:"tick_seconds,omitempty"`
	MaxRunsPerHour   *int `json:"max_runs_per_hour,omitempty"`
	RetryBaseSeconds *int `json:"retry_base_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Workspace) == "" {
		return errors.New("missing workspace")
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	if v := c.Agent.MaxIterations; v != nil && (*v < 1 || *v > 32) {
		return fmt.Errorf("invalid max_iterations %d (must be in [1,32])", *v)
	}
	if v := c.Agent.ToolTimeoutSec; v != nil && *v < 1 {
		return fmt.Errorf("invalid tool_timeout_seconds %d", *v)
	}
	if v := c.Agent.ProviderTimeoutSec; v != nil && *v < 1 {
		return fmt.Errorf("invalid provider_timeout_seconds %d", *v)
	}
	if v := c.Agent.MaxToolParallel; v != nil && *v < 1 {
		return fmt.Errorf("invalid max_tool_parallel %d", *v)
	}
	if v := c.Scheduler.TickSeconds; v != nil && *v < 1 {
		return fmt.Errorf("invalid tick_seconds %d", *v)
	}
	if v := c.Scheduler.MaxRunsPerHour; v != nil && *v < 1 {
		return fmt.Errorf("invalid max_runs_per_hour %d", *v)
	}
	if v := c.Scheduler.RetryBaseSeconds; v != nil && *v < 1 {
		return fmt.Errorf("invalid retry_base_seconds %d", *v)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (p *ProviderConfig) Validate() error {
	t := strings.TrimSpace(p.Type)
	switch t {
	case "openai", "anthropic", "openai_compatible":
	default:
		return fmt.Errorf("invalid type %q", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing model")
	}
	baseURL := strings.TrimSpace(p.BaseURL)
	if t == "openai_compatible" && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}
	return nil
}

// APIKey resolves the provider key from the environment. A missing key is not
// an error here; the provider rejects unauthenticated calls on first use.
func (p *ProviderConfig) APIKey() string {
	env := strings.TrimSpace(p.APIKeyEnv)
	if env == "" {
		switch strings.TrimSpace(p.Type) {
		case "anthropic":
			env = "ANTHROPIC_API_KEY"
		default:
			env = "OPENAI_API_KEY"
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

func (c *Config) EffectiveListen() string {
	if v := strings.TrimSpace(c.Listen); v != "" {
		return v
	}
	return defaultListen
}

func (c *Config) EffectiveDataDir(configPath string) string {
	if v := strings.TrimSpace(c.DataDir); v != "" {
		return v
	}
	return filepath.Dir(configPath)
}

func (c *AgentConfig) EffectiveMaxIterations() int {
	if c == nil || c.MaxIterations == nil {
		return defaultMaxIterations
	}
	return *c.MaxIterations
}

func (c *AgentConfig) EffectiveToolTimeout() time.Duration {
	if c == nil || c.ToolTimeoutSec == nil {
		return defaultToolTimeoutSec * time.Second
	}
	return time.Duration(*c.ToolTimeoutSec) * time.Second
}

func (c *AgentConfig) EffectiveProviderTimeout() time.Duration {
	if c == nil || c.ProviderTimeoutSec == nil {
		return defaultProviderTimeoutSec * time.Second
	}
	return time.Duration(*c.ProviderTimeoutSec) * time.Second
}

func (c *AgentConfig) EffectiveMaxToolParallel() int {
	if c == nil || c.MaxToolParallel == nil {
		return defaultMaxToolParallel
	}
	return *c.MaxToolParallel
}

func (c *SchedulerConfig) EffectiveTick() time.Duration {
	if c == nil || c.TickSeconds == nil {
		return defaultTickSeconds * time.Second
	}
	return time.Duration(*c.TickSeconds) * time.Second
}

func (c *SchedulerConfig) EffectiveMaxRunsPerHour() int {
	if c == nil || c.MaxRunsPerHour == nil {
		return defaultMaxRunsPerHour
	}
	return *c.MaxRunsPerHour
}

func (c *SchedulerConfig) EffectiveRetryBase() time.Duration {
	if c == nil || c.RetryBaseSeconds == nil {
		return defaultRetryBaseSec * time.Second
	}
	return time.Duration(*c.RetryBaseSeconds) * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.majordomo/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "majordomo.config.json"
	}
	return filepath.Join(home, ".majordomo", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// NewLogger builds the process logger from log_format and log_level.
func NewLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

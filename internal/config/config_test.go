package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Workspace: "/home/me/majordomo",
		Provider: ProviderConfig{
			Type:  "anthropic",
			Model: "claude-sonnet-4-5",
		},
	}
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_RequiresWorkspace(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Workspace = "  "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing workspace")
	}
}

func TestValidate_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    ProviderConfig
	}{
		{"bad type", ProviderConfig{Type: "llama-farm", Model: "m"}},
		{"missing model", ProviderConfig{Type: "openai"}},
		{"compatible needs base url", ProviderConfig{Type: "openai_compatible", Model: "m"}},
		{"bad scheme", ProviderConfig{Type: "openai_compatible", Model: "m", BaseURL: "ftp://x.invalid"}},
		{"missing host", ProviderConfig{Type: "openai", Model: "m", BaseURL: "https://"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Provider = tt.p
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_RejectsBadTuning(t *testing.T) {
	t.Parallel()

	zero := 0
	huge := 99

	cfg := validConfig()
	cfg.Agent.MaxIterations = &huge
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_iterations out of range")
	}

	cfg = validConfig()
	cfg.Scheduler.MaxRunsPerHour = &zero
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max_runs_per_hour")
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.EffectiveListen(); got != "127.0.0.1:7777" {
		t.Fatalf("EffectiveListen = %q", got)
	}
	if got := cfg.Agent.EffectiveMaxIterations(); got != 8 {
		t.Fatalf("EffectiveMaxIterations = %d", got)
	}
	if got := cfg.Agent.EffectiveProviderTimeout(); got != 2*time.Minute {
		t.Fatalf("EffectiveProviderTimeout = %v", got)
	}
	if got := cfg.Scheduler.EffectiveTick(); got != time.Minute {
		t.Fatalf("EffectiveTick = %v", got)
	}
	if got := cfg.Scheduler.EffectiveRetryBase(); got != 30*time.Second {
		t.Fatalf("EffectiveRetryBase = %v", got)
	}
	if got := cfg.EffectiveDataDir("/etc/majordomo/config.json"); got != "/etc/majordomo" {
		t.Fatalf("EffectiveDataDir = %q", got)
	}

	n := 3
	cfg.Agent.MaxIterations = &n
	if got := cfg.Agent.EffectiveMaxIterations(); got != 3 {
		t.Fatalf("EffectiveMaxIterations override = %d", got)
	}
}

func TestAPIKey_EnvResolution(t *testing.T) {
	t.Setenv("MAJORDOMO_TEST_KEY", "  sk-abc  ")

	p := ProviderConfig{Type: "openai", Model: "m", APIKeyEnv: "MAJORDOMO_TEST_KEY"}
	if got := p.APIKey(); got != "sk-abc" {
		t.Fatalf("APIKey = %q", got)
	}
}

func TestWebSearchAPIKey_EnvResolution(t *testing.T) {
	t.Setenv("MAJORDOMO_TEST_BRAVE", " brv-1 ")

	c := IntegrationsConfig{WebSearchAPIKeyEnv: "MAJORDOMO_TEST_BRAVE"}
	if got := c.WebSearchAPIKey(); got != "brv-1" {
		t.Fatalf("WebSearchAPIKey = %q", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := validConfig()
	cfg.Listen = "127.0.0.1:9000"
	cfg.Permissions = []string{"file:read", "notes:write"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("config perm = %o", got)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Listen != cfg.Listen || loaded.Workspace != cfg.Workspace {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.Permissions) != 2 {
		t.Fatalf("permissions = %v", loaded.Permissions)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"workspace":""}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected invalid config error")
	}
}

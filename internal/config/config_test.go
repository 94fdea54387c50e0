package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Store.Mode != "memory" {
		t.Errorf("Store.Mode = %q, want memory", cfg.Store.Mode)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.OpenDuration != 5*time.Minute {
		t.Errorf("OpenDuration = %v, want 5m", cfg.CircuitBreaker.OpenDuration)
	}
	if !cfg.Fixer.Encoding || !cfg.Fixer.JSON || !cfg.Fixer.SSE {
		t.Error("fixer stages should default to enabled")
	}
	if !cfg.CacheSim.Enabled {
		t.Error("cache simulator should default to enabled")
	}
	if cfg.Forward.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Forward.MaxAttempts)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RPM_LIMIT", "120")
	t.Setenv("CB_OPEN_DURATION", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowered)", cfg.LogLevel)
	}
	if cfg.RateLimit.RPMLimit != 120 {
		t.Errorf("RPMLimit = %d, want 120", cfg.RateLimit.RPMLimit)
	}
	if cfg.CircuitBreaker.OpenDuration != 90*time.Second {
		t.Errorf("OpenDuration = %v, want 90s", cfg.CircuitBreaker.OpenDuration)
	}
}

func TestLoad_RedisModeRequiresURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_MODE", "redis")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for STORE_MODE=redis without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with REDIS_URL: %v", err)
	}
	if cfg.Store.Mode != "redis" {
		t.Errorf("Store.Mode = %q, want redis", cfg.Store.Mode)
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"store mode", "STORE_MODE", "etcd"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"failure threshold", "CB_FAILURE_THRESHOLD", "0"},
		{"max attempts", "MAX_ATTEMPTS", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoad_EndpointsFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
endpoints:
  - id: ant-primary
    name: Anthropic direct
    vendor: anthropic
    provider_type: anthropic
    url: https://api.anthropic.com
    api_key: sk-test
    sort_order: 1
  - id: ant-backup
    vendor: anthropic
    provider_type: openai
    url: https://backup.example.com
    enabled: false
    sort_order: 2
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	eps := cfg.BuildEndpoints()
	if len(eps) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(eps))
	}
	if !eps[0].Enabled {
		t.Error("enabled should default to true")
	}
	if eps[1].Enabled {
		t.Error("explicit enabled: false ignored")
	}
	if eps[0].ID != "ant-primary" || eps[0].SortOrder != 1 {
		t.Errorf("first endpoint mismatch: %+v", eps[0])
	}
}

func TestLoad_EndpointValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "endpoints:\n  - vendor: anthropic\n    provider_type: anthropic\n    url: https://x\n"},
		{"duplicate id", "endpoints:\n  - id: a\n    vendor: v\n    provider_type: anthropic\n    url: https://x\n  - id: a\n    vendor: v\n    provider_type: anthropic\n    url: https://y\n"},
		{"missing url", "endpoints:\n  - id: a\n    vendor: v\n    provider_type: anthropic\n"},
		{"bad provider type", "endpoints:\n  - id: a\n    vendor: v\n    provider_type: cohere\n    url: https://x\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			t.Chdir(dir)
			if _, err := Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

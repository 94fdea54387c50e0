// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The endpoint fleet is the one section that only lives in YAML: it is a
// structured list and does not map onto a flat env var.
//
// Redis is optional — set STORE_MODE=memory to run a single replica with no
// external dependencies. Circuit state and session baselines are then local
// to the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/modelrelay/gateway/internal/endpoint"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Store holds the shared key-value store settings (circuit replication,
	// session sequence counters, cache baselines, rate-limit windows).
	Store StoreConfig

	// CircuitBreaker controls per-endpoint circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-session request-rate limiting.
	RateLimit RateLimitConfig

	// Fixer controls response repair before relay.
	Fixer FixerConfig

	// CacheSim controls synthetic cache-usage accounting.
	CacheSim CacheSimConfig

	// Guard tunes the request guard pipeline.
	Guard GuardConfig

	// Forward controls the upstream forwarding loop.
	Forward ForwardConfig

	// Endpoints is the upstream fleet. YAML only.
	Endpoints []EndpointConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// Version is reported by GET /health and the build info metric.
	Version string
}

// StoreConfig holds the shared store settings.
type StoreConfig struct {
	// Mode selects the store backend:
	//   "redis"  — Redis-backed (requires REDIS_URL). Recommended for fleets.
	//   "memory" — In-process TTL store. No external deps; not shared across replicas.
	// Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// CircuitBreakerConfig controls per-endpoint circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 3.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before allowing probe
	// traffic. Default: 5m.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of successes required while half-open
	// to close the circuit. Default: 1.
	HalfOpenSuccesses int
}

// RateLimitConfig controls per-session request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per session key.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FixerConfig controls response repair.
type FixerConfig struct {
	// Encoding, JSON, and SSE toggle the individual repair stages.
	// All default to true.
	Encoding bool
	JSON     bool
	SSE      bool

	// MaxJSONDepth aborts truncated-JSON repair beyond this nesting depth.
	// Default: 32.
	MaxJSONDepth int

	// MaxFixSize bounds the bytes a JSON repair may append or discard.
	// Default: 256.
	MaxFixSize int
}

// CacheSimConfig controls synthetic cache-usage accounting.
type CacheSimConfig struct {
	// Enabled toggles the simulator. Default: true.
	Enabled bool

	// BaselineTTL is how long a session's token baseline survives between
	// requests. Default: 30m.
	BaselineTTL time.Duration
}

// GuardConfig tunes the request guard pipeline.
type GuardConfig struct {
	// AuthKeys is the accepted client key set; empty disables auth.
	AuthKeys []string

	// MinClientVersion rejects clients older than this; empty disables the
	// check.
	MinClientVersion string

	// BlockedPatterns are case-insensitive substrings that terminate a
	// request when found in message text.
	BlockedPatterns []string

	// WarmupMaxPromptChars bounds how small a prompt must be for the warmup
	// fast path. Default: 64.
	WarmupMaxPromptChars int

	// MaxTokensCap clamps the request's max_tokens; 0 disables.
	MaxTokensCap int

	// SessionTTL bounds how long a session's sequence counter survives
	// between requests. Default: 30m.
	SessionTTL time.Duration
}

// ForwardConfig controls the upstream forwarding loop.
type ForwardConfig struct {
	// MaxAttempts is the maximum number of upstream attempts per request
	// (including the first). Default: 3.
	MaxAttempts int

	// UpstreamTimeout is the per-attempt HTTP timeout. Default: 120s.
	UpstreamTimeout time.Duration
}

// EndpointConfig is one upstream endpoint as declared in YAML.
type EndpointConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Vendor       string `mapstructure:"vendor"`
	ProviderType string `mapstructure:"provider_type"`
	URL          string `mapstructure:"url"`
	APIKey       string `mapstructure:"api_key"`
	Enabled      *bool  `mapstructure:"enabled"`
	SortOrder    int    `mapstructure:"sort_order"`
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("VERSION", "dev")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_OPEN_DURATION", "5m")
	v.SetDefault("CB_HALF_OPEN_SUCCESSES", 1)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Fixer defaults.
	v.SetDefault("FIX_ENCODING", true)
	v.SetDefault("FIX_JSON", true)
	v.SetDefault("FIX_SSE", true)
	v.SetDefault("FIX_MAX_JSON_DEPTH", 32)
	v.SetDefault("FIX_MAX_SIZE", 256)

	// Cache simulator defaults.
	v.SetDefault("CACHE_SIM_ENABLED", true)
	v.SetDefault("CACHE_SIM_TTL", "30m")

	// Guard defaults.
	v.SetDefault("WARMUP_MAX_PROMPT_CHARS", 64)
	v.SetDefault("MAX_TOKENS_CAP", 0)
	v.SetDefault("SESSION_TTL", "30m")

	// Forwarding defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenDuration:      v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenSuccesses: v.GetInt("CB_HALF_OPEN_SUCCESSES"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Fixer: FixerConfig{
			Encoding:     v.GetBool("FIX_ENCODING"),
			JSON:         v.GetBool("FIX_JSON"),
			SSE:          v.GetBool("FIX_SSE"),
			MaxJSONDepth: v.GetInt("FIX_MAX_JSON_DEPTH"),
			MaxFixSize:   v.GetInt("FIX_MAX_SIZE"),
		},

		CacheSim: CacheSimConfig{
			Enabled:     v.GetBool("CACHE_SIM_ENABLED"),
			BaselineTTL: v.GetDuration("CACHE_SIM_TTL"),
		},

		Guard: GuardConfig{
			AuthKeys:             v.GetStringSlice("AUTH_KEYS"),
			MinClientVersion:     v.GetString("MIN_CLIENT_VERSION"),
			BlockedPatterns:      v.GetStringSlice("BLOCKED_PATTERNS"),
			WarmupMaxPromptChars: v.GetInt("WARMUP_MAX_PROMPT_CHARS"),
			MaxTokensCap:         v.GetInt("MAX_TOKENS_CAP"),
			SessionTTL:           v.GetDuration("SESSION_TTL"),
		},

		Forward: ForwardConfig{
			MaxAttempts:     v.GetInt("MAX_ATTEMPTS"),
			UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		Version:     v.GetString("VERSION"),
	}

	if err := v.UnmarshalKey("endpoints", &cfg.Endpoints); err != nil {
		return nil, fmt.Errorf("config: invalid endpoints section: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BuildEndpoints converts the declared fleet into registry entries.
func (c *Config) BuildEndpoints() []*endpoint.Endpoint {
	eps := make([]*endpoint.Endpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		eps = append(eps, &endpoint.Endpoint{
			ID:           e.ID,
			Name:         e.Name,
			Vendor:       e.Vendor,
			ProviderType: endpoint.ProviderType(e.ProviderType),
			URL:          e.URL,
			APIKey:       e.APIKey,
			Enabled:      enabled,
			SortOrder:    e.SortOrder,
		})
	}
	return eps
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Mode {
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STORE_MODE=redis; " +
					"set STORE_MODE=memory to run without Redis",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Forward.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Forward.MaxAttempts)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		if e.ID == "" {
			return fmt.Errorf("config: endpoints[%d]: id is required", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("config: duplicate endpoint id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Vendor == "" {
			return fmt.Errorf("config: endpoint %q: vendor is required", e.ID)
		}
		if e.URL == "" {
			return fmt.Errorf("config: endpoint %q: url is required", e.ID)
		}
		switch endpoint.ProviderType(e.ProviderType) {
		case endpoint.ProviderAnthropic, endpoint.ProviderOpenAI, endpoint.ProviderGemini:
		default:
			return fmt.Errorf(
				"config: endpoint %q: invalid provider_type %q; must be one of: anthropic, openai, gemini",
				e.ID, e.ProviderType,
			)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

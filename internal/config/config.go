// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GEMINI_URL becomes gemini_url
// in YAML.
//
// No upstream credentials are configured here: callers bring their own
// bearer token. Probe keys are only used by background health checks.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/edge-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/edge-gateway/internal/providers/passthrough"
)

// Default upstream endpoints.
const (
	DefaultOpenAIURL   = passthrough.OpenAIURL
	DefaultGroqURL     = passthrough.GroqURL
	DefaultMistralURL  = passthrough.MistralURL
	DefaultGeminiURL   = gemini.DefaultBaseURL
	DefaultGeminiModel = gemini.DefaultModel
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream endpoints and probe keys, one block per supplier.
	OpenAI  UpstreamConfig
	Groq    UpstreamConfig
	Mistral UpstreamConfig
	Gemini  GeminiConfig

	// Redis holds the connection URL for the Redis-backed cache.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// ProviderTimeout bounds the wait for upstream response headers.
	// Default: 30s.
	ProviderTimeout time.Duration

	// WriteBehind controls detached cache writes.
	WriteBehind WriteBehindConfig

	// ShutdownTimeout bounds graceful shutdown, including the wait for
	// pending cache writes. Default: 10s.
	ShutdownTimeout time.Duration

	// HealthProbeInterval is the period of background provider probes.
	// 0 disables them. Default: 30s.
	HealthProbeInterval time.Duration

	// RequestLog controls the per-request access log.
	RequestLog RequestLogConfig
}

// UpstreamConfig holds configuration for a pass-through supplier.
type UpstreamConfig struct {
	// URL is the full chat-completions endpoint requests are POSTed to.
	URL string
	// ProbeKey is used only by health probes. Leave empty to skip probing.
	ProbeKey string
}

// GeminiConfig holds configuration for the Gemini supplier.
type GeminiConfig struct {
	// URL is the primary models collection URL.
	URL string
	// FallbackURL is tried once when the primary endpoint fails.
	FallbackURL string
	// DefaultModel is used when a request names no model.
	DefaultModel string
	// ProbeKey is used only by health probes.
	ProbeKey string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis": Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory": In-process TTL cache. No external deps; not shared across replicas.
	//   "none": Cache disabled entirely; v2 requests go straight to the provider.
	// Default: "memory".
	Mode string

	// TTL is the freshness window of cached responses. Default: 300s.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// WriteBehindConfig controls the detached cache-write group.
type WriteBehindConfig struct {
	// Timeout bounds a single cache write. Default: 5s.
	Timeout time.Duration
	// Concurrency caps in-flight writes; excess writes are dropped.
	// Default: 64.
	Concurrency int
}

// RequestLogConfig controls the asynchronous request logger.
type RequestLogConfig struct {
	// Enabled toggles the access log. Default: true.
	Enabled bool
	// ClickHouseDSN, when set, ships entries to ClickHouse instead of slog.
	ClickHouseDSN string
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

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "300s")

	v.SetDefault("OPENAI_URL", DefaultOpenAIURL)
	v.SetDefault("GROQ_URL", DefaultGroqURL)
	v.SetDefault("MISTRAL_URL", DefaultMistralURL)
	v.SetDefault("GEMINI_URL", DefaultGeminiURL)
	v.SetDefault("GEMINI_FALLBACK_URL", DefaultGeminiURL)
	v.SetDefault("GEMINI_DEFAULT_MODEL", DefaultGeminiModel)

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("WRITE_BEHIND_TIMEOUT", "5s")
	v.SetDefault("WRITE_BEHIND_CONCURRENCY", 64)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")

	v.SetDefault("LOG_REQUESTS", true)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:  UpstreamConfig{URL: v.GetString("OPENAI_URL"), ProbeKey: v.GetString("OPENAI_PROBE_KEY")},
		Groq:    UpstreamConfig{URL: v.GetString("GROQ_URL"), ProbeKey: v.GetString("GROQ_PROBE_KEY")},
		Mistral: UpstreamConfig{URL: v.GetString("MISTRAL_URL"), ProbeKey: v.GetString("MISTRAL_PROBE_KEY")},
		Gemini: GeminiConfig{
			URL:          v.GetString("GEMINI_URL"),
			FallbackURL:  v.GetString("GEMINI_FALLBACK_URL"),
			DefaultModel: v.GetString("GEMINI_DEFAULT_MODEL"),
			ProbeKey:     v.GetString("GEMINI_PROBE_KEY"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    stringList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: stringList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		WriteBehind: WriteBehindConfig{
			Timeout:     v.GetDuration("WRITE_BEHIND_TIMEOUT"),
			Concurrency: v.GetInt("WRITE_BEHIND_CONCURRENCY"),
		},
		ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
		HealthProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),

		RequestLog: RequestLogConfig{
			Enabled:       v.GetBool("LOG_REQUESTS"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
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

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("config: CACHE_TTL must be a positive duration")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.WriteBehind.Timeout <= 0 {
		return errors.New("config: WRITE_BEHIND_TIMEOUT must be a positive duration")
	}
	if c.WriteBehind.Concurrency < 1 {
		return fmt.Errorf("config: WRITE_BEHIND_CONCURRENCY must be ≥ 1, got %d", c.WriteBehind.Concurrency)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("config: SHUTDOWN_TIMEOUT must be a positive duration")
	}
	if c.HealthProbeInterval < 0 {
		return errors.New("config: HEALTH_PROBE_INTERVAL must not be negative")
	}

	for name, raw := range map[string]string{
		"OPENAI_URL":          c.OpenAI.URL,
		"GROQ_URL":            c.Groq.URL,
		"MISTRAL_URL":         c.Mistral.URL,
		"GEMINI_URL":          c.Gemini.URL,
		"GEMINI_FALLBACK_URL": c.Gemini.FallbackURL,
	} {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// RedactedRedisURL returns the Redis URL with any password removed, for logs.
func (c *Config) RedactedRedisURL() string {
	u, err := url.Parse(c.Redis.URL)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
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

// stringList reads a list from config.yaml, or from a comma or whitespace
// separated environment variable.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return v.GetStringSlice(key)
	}
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Package config loads and validates all runtime configuration for the
// orchestrator.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The database is the only hard requirement; Redis and ClickHouse are
// optional backends selected by CACHE_MODE and CLICKHOUSE_DSN.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/applyforge/ai-orchestrator/internal/domain"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the management HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// EncryptionSecret derives the key that seals provider API keys at rest.
	// Required.
	EncryptionSecret string

	// Database holds the relational store settings.
	Database DatabaseConfig

	// Fallback is the environment-variable provider used when no matching
	// provider configuration exists in the database.
	Fallback FallbackConfig

	// Router maps model tiers to concrete model ids.
	Router RouterConfig

	// Redis holds the connection URL for the Redis cache backend.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// ClickHouse holds the optional usage-analytics export settings.
	ClickHouse ClickHouseConfig

	// RateLimit guards the generate endpoint. Requires Redis.
	RateLimit RateLimitConfig

	// CORSOrigins is the allowed-origins list for the HTTP surface.
	// Default: ["*"].
	CORSOrigins []string

	// DefaultPlan is the plan assumed for users the surrounding application
	// has not classified. Default: "freemium".
	DefaultPlan string
}

// RateLimitConfig controls the per-user requests-per-minute guard.
type RateLimitConfig struct {
	// RPM is the per-user requests-per-minute ceiling. 0 disables the guard.
	// Enforcement needs REDIS_URL; without Redis the setting is ignored.
	RPM int
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	// Driver selects the database backend: "sqlite" or "postgres".
	// Default: "sqlite".
	Driver string

	// DSN is the driver-specific connection string.
	// Default: "orchestrator.db" (a local SQLite file).
	DSN string
}

// FallbackConfig describes the environment-variable provider fallback.
// It is used only when the registry holds no usable configuration for the
// requested task; responses served through it are marked as degraded.
type FallbackConfig struct {
	// Kind is the provider kind of the fallback key. Default: "gemini".
	Kind string

	// APIKey is the fallback provider API key. Leave empty to disable the
	// fallback entirely.
	APIKey string
}

// RouterConfig maps the two model tiers to concrete model ids.
type RouterConfig struct {
	// FastModel serves cost-sensitive tasks. Default: "gemini-2.5-flash".
	FastModel string

	// QualityModel serves premium drafting tasks. Default: "gemini-1.5-pro".
	QualityModel string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "db"     — persisted in the relational store. Default; survives restarts.
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache. Not shared across replicas.
	//   "none"   — Cache disabled entirely.
	Mode string

	// SessionTTL is the time-to-live for session-scoped entries. Default: 1h.
	SessionTTL time.Duration

	// ContentTTL is the time-to-live for content-hash entries. Default: 24h.
	ContentTTL time.Duration

	// BypassPlans lists subscription plans whose requests skip cache reads.
	// Default: ["freemium"].
	BypassPlans []string
}

// ClickHouseConfig holds the optional analytics export settings.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Leave empty to disable the export.
	DSN string
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

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "orchestrator.db")

	v.SetDefault("PROVIDER_DEFAULT_KIND", "gemini")
	v.SetDefault("PROVIDER_DEFAULT_MODEL_FAST", "gemini-2.5-flash")
	v.SetDefault("PROVIDER_DEFAULT_MODEL_QUALITY", "gemini-1.5-pro")

	v.SetDefault("CACHE_MODE", "db")
	v.SetDefault("CACHE_SESSION_TTL", "1h")
	v.SetDefault("CACHE_CONTENT_TTL", "24h")
	v.SetDefault("CACHE_BYPASS_PLANS", []string{"freemium"})

	v.SetDefault("RATE_LIMIT_RPM", 0)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("DEFAULT_USER_PLAN", "freemium")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		EncryptionSecret: v.GetString("ENCRYPTION_SECRET"),

		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DATABASE_DRIVER")),
			DSN:    v.GetString("DATABASE_DSN"),
		},

		Fallback: FallbackConfig{
			Kind:   strings.ToLower(v.GetString("PROVIDER_DEFAULT_KIND")),
			APIKey: v.GetString("PROVIDER_DEFAULT_API_KEY"),
		},

		Router: RouterConfig{
			FastModel:    v.GetString("PROVIDER_DEFAULT_MODEL_FAST"),
			QualityModel: v.GetString("PROVIDER_DEFAULT_MODEL_QUALITY"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:        strings.ToLower(v.GetString("CACHE_MODE")),
			SessionTTL:  v.GetDuration("CACHE_SESSION_TTL"),
			ContentTTL:  v.GetDuration("CACHE_CONTENT_TTL"),
			BypassPlans: v.GetStringSlice("CACHE_BYPASS_PLANS"),
		},

		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		RateLimit: RateLimitConfig{RPM: v.GetInt("RATE_LIMIT_RPM")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		DefaultPlan: strings.ToLower(v.GetString("DEFAULT_USER_PLAN")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("config: ENCRYPTION_SECRET is required; " +
			"it derives the key that protects stored provider API keys")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: invalid DATABASE_DRIVER %q; must be sqlite or postgres",
			c.Database.Driver)
	}

	if c.Fallback.APIKey != "" && !domain.ProviderKind(c.Fallback.Kind).Valid() {
		return fmt.Errorf("config: invalid PROVIDER_DEFAULT_KIND %q; must be one of: gemini, openai, claude",
			c.Fallback.Kind)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=db or CACHE_MODE=memory to run without Redis",
		)
	}

	switch c.Cache.Mode {
	case "db", "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: db, redis, memory, none",
			c.Cache.Mode,
		)
	}

	for _, p := range c.Cache.BypassPlans {
		if !domain.Plan(p).Valid() {
			return fmt.Errorf("config: invalid plan %q in CACHE_BYPASS_PLANS", p)
		}
	}

	if !domain.Plan(c.DefaultPlan).Valid() {
		return fmt.Errorf("config: invalid DEFAULT_USER_PLAN %q", c.DefaultPlan)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
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

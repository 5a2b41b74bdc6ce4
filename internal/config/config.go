// Package config loads pipeline configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything main needs to wire the services.
type Config struct {
	Port string `mapstructure:"PORT"`
	// Env is "production" or anything else (development logging).
	Env string `mapstructure:"APP_ENV"`

	// DBDriver is "sqlite" (default) or "postgres".
	DBDriver    string `mapstructure:"DB_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	PokemonTCGAPIKey  string `mapstructure:"POKEMON_TCG_API_KEY"`
	PokemonTCGBaseURL string `mapstructure:"POKEMON_TCG_BASE_URL"`

	// AdminToken gates collector triggers and admin endpoints. Empty disables those routes.
	AdminToken string `mapstructure:"COLLECTOR_ADMIN_TOKEN"`

	CollectorDefaultLimit      int           `mapstructure:"COLLECTOR_DEFAULT_LIMIT"`
	CollectorBatchSize         int           `mapstructure:"COLLECTOR_BATCH_SIZE"`
	CollectorBatchDelay        time.Duration `mapstructure:"COLLECTOR_BATCH_DELAY"`
	CollectorMaxRetries        int           `mapstructure:"COLLECTOR_MAX_RETRIES"`
	CollectorRequestsPerSecond float64       `mapstructure:"COLLECTOR_REQUESTS_PER_SECOND"`
	// CollectorIntervalHours schedules collection at startup; 0 leaves it manual.
	CollectorIntervalHours int  `mapstructure:"COLLECTOR_INTERVAL_HOURS"`
	CollectorLeaseEnabled  bool `mapstructure:"COLLECTOR_LEASE_ENABLED"`

	AnalyticsFlushInterval time.Duration `mapstructure:"ANALYTICS_FLUSH_INTERVAL"`
	AnalyticsMaxQueue      int           `mapstructure:"ANALYTICS_MAX_QUEUE"`
	AnalyticsSessionIdle   time.Duration `mapstructure:"ANALYTICS_SESSION_IDLE"`

	QueryCacheSize      int           `mapstructure:"QUERY_CACHE_SIZE"`
	MaintenanceInterval time.Duration `mapstructure:"MAINTENANCE_INTERVAL"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// KafkaBrokers is a comma-separated broker list; empty keeps the message bus in-process.
	KafkaBrokers     string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `mapstructure:"KAFKA_TOPIC_PREFIX"`
}

// Load reads .env (if present), then the environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "./data/pipeline.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("POKEMON_TCG_API_KEY", "")
	v.SetDefault("POKEMON_TCG_BASE_URL", "https://api.pokemontcg.io/v2")
	v.SetDefault("COLLECTOR_ADMIN_TOKEN", "")
	v.SetDefault("COLLECTOR_DEFAULT_LIMIT", 200)
	v.SetDefault("COLLECTOR_BATCH_SIZE", 25)
	v.SetDefault("COLLECTOR_BATCH_DELAY", "800ms")
	v.SetDefault("COLLECTOR_MAX_RETRIES", 3)
	v.SetDefault("COLLECTOR_REQUESTS_PER_SECOND", 5.0)
	v.SetDefault("COLLECTOR_INTERVAL_HOURS", 6)
	v.SetDefault("COLLECTOR_LEASE_ENABLED", false)
	v.SetDefault("ANALYTICS_FLUSH_INTERVAL", "30s")
	v.SetDefault("ANALYTICS_MAX_QUEUE", 100)
	v.SetDefault("ANALYTICS_SESSION_IDLE", "4h")
	v.SetDefault("QUERY_CACHE_SIZE", 1000)
	v.SetDefault("MAINTENANCE_INTERVAL", "24h")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "tcg")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			return nil, errors.New("config: DB_PATH must be set for the sqlite driver")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return nil, errors.New("config: DB_DRIVER must be sqlite or postgres")
	}

	if cfg.CollectorBatchSize <= 0 {
		return nil, errors.New("config: COLLECTOR_BATCH_SIZE must be positive")
	}
	if cfg.AnalyticsMaxQueue <= 0 {
		return nil, errors.New("config: ANALYTICS_MAX_QUEUE must be positive")
	}
	if cfg.CollectorRequestsPerSecond <= 0 {
		cfg.CollectorRequestsPerSecond = 5
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	return &cfg, nil
}

// AllowedOrigins returns the CORS origins from the comma-separated config.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// KafkaBrokersList returns Kafka broker addresses. An empty list disables forwarding.
func (c *Config) KafkaBrokersList() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

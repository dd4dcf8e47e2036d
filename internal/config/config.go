package config

import (
	"time"

	"memechat/internal/utils"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string

	// Chat core
	NotifyChannel string        // Postgres LISTEN/NOTIFY channel for the change feed
	HistoryWindow int           // messages pushed to room subscribers
	AlertCacheTTL time.Duration // lifetime of a cached alert snapshot
}

const defaultSecret = "secret"

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	_ = utils.LoadEnv()

	cfg := &Config{
		Port:          utils.GetEnv("PORT", "3001"),
		Env:           utils.GetEnv("ENV", "development"),
		DatabaseURL:   utils.GetEnv("DATABASE_URL", ""),
		RedisURL:      utils.GetEnv("REDIS_URL", ""),
		JWTSecret:     utils.GetEnv("JWT_SECRET", defaultSecret),
		NotifyChannel: utils.GetEnv("NOTIFY_CHANNEL", "chat_events"),
		HistoryWindow: utils.GetEnvInt("HISTORY_WINDOW", 50),
		AlertCacheTTL: utils.GetEnvDuration("ALERT_CACHE_TTL", 10*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		// Fallback to individual vars
		cfg.DatabaseURL = "postgres://" + utils.GetEnv("POSTGRES_USER", "postgres") + ":" +
			utils.GetEnv("POSTGRES_PASSWORD", "postgres") + "@" +
			utils.GetEnv("POSTGRES_HOST", "localhost") + ":" +
			utils.GetEnv("POSTGRES_PORT", "5432") + "/" +
			utils.GetEnv("POSTGRES_DB", "chatdb") + "?sslmode=disable"
	}

	if cfg.Env == "production" {
		if utils.GetEnv("DATABASE_URL", "") == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == defaultSecret {
			panic("JWT_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

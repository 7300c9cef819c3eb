package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all process configuration, read once at startup.
// Nothing else in the codebase reads the environment.
type Config struct {
	Env string // development | test | production

	HTTPAddr string

	DatabaseURL        string
	DatabaseReplicaURL string // optional; empty routes reads to primary

	RedisURL string

	JWTSecret        string // signs 15-minute access tokens
	JWTRefreshSecret string // signs 7-day refresh tokens

	FrontendURL string // CORS allowlist for HTTP and socket handshake

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionTTL      time.Duration

	// Delivery worker tuning.
	WorkerCount   int
	BatchSize     int
	MaxRetries    int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	ErrorBackoff  time.Duration
	QueryTimeout  time.Duration
	ReplicaMaxLag time.Duration
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Load reads configuration from the environment. In development a .env file
// is merged in first if present.
func Load() (*Config, error) {
	environment := env("NODE_ENV", "development")
	if environment == "development" {
		if err := godotenv.Load(); err == nil {
			log.Debug().Msg("loaded .env file")
		}
	}

	cfg := &Config{
		Env:                environment,
		HTTPAddr:           env("HTTP_ADDR", ":8080"),
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseReplicaURL: env("DATABASE_REPLICA_URL", ""),
		RedisURL:           env("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:          env("JWT_SECRET", ""),
		JWTRefreshSecret:   env("JWT_REFRESH_SECRET", ""),
		FrontendURL:        env("FRONTEND_URL", "http://localhost:3000"),
		AccessTokenTTL:     envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		SessionTTL:         envDuration("SESSION_TTL", 7*24*time.Hour),
		WorkerCount:        envInt("DELIVERY_WORKERS", 2),
		BatchSize:          envInt("DELIVERY_BATCH_SIZE", 10),
		MaxRetries:         envInt("DELIVERY_MAX_RETRIES", 5),
		RetryDelay:         envDuration("DELIVERY_RETRY_DELAY", 60*time.Second),
		PollInterval:       envDuration("DELIVERY_POLL_INTERVAL", time.Second),
		ErrorBackoff:       envDuration("DELIVERY_ERROR_BACKOFF", 5*time.Second),
		QueryTimeout:       envDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		ReplicaMaxLag:      envDuration("DB_REPLICA_MAX_LAG", 10*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "dev-secret-change-in-production"
	}
	if cfg.JWTRefreshSecret == "" {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("JWT_REFRESH_SECRET is required in production")
		}
		cfg.JWTRefreshSecret = "dev-refresh-secret-change-in-production"
	}
	if cfg.JWTSecret == cfg.JWTRefreshSecret {
		return nil, fmt.Errorf("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}

	return cfg, nil
}

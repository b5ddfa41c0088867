// Package config validates environment configuration at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port string

	// Auth (JWKS via the identity provider)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Storage. Empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Redis pub/sub for multi-instance fan-out
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Collaboration tuning
	StalenessWindow int64
	AwayAfter       time.Duration
	JoinTimeout     time.Duration

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Rate limits (ulule/limiter formatted rates, M = minute, S = second)
	RateLimitAPIGlobal string
	RateLimitAPIRooms  string
	RateLimitWsIP      string
	RateLimitWsJoin    string
	RateLimitWsOps     string
	RateLimitWsCursor  string
}

// ValidateEnv validates all environment variables and returns a Config.
// Validation failures are aggregated into a single error.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" {
			errors = append(errors, "AUTH0_DOMAIN is required unless SKIP_AUTH=true")
		}
		if cfg.Auth0Audience == "" {
			errors = append(errors, "AUTH0_AUDIENCE is required unless SKIP_AUTH=true")
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Collaboration tuning, all with defaults.
	cfg.StalenessWindow = int64(envInt(&errors, "STALENESS_WINDOW", 100, 1, 100000))
	cfg.AwayAfter = time.Duration(envInt(&errors, "AWAY_AFTER_SECONDS", 300, 10, 86400)) * time.Second
	cfg.JoinTimeout = time.Duration(envInt(&errors, "JOIN_TIMEOUT_SECONDS", 10, 1, 300)) * time.Second

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (defaults: M = minute, S = second)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsJoin = getEnvOrDefault("RATE_LIMIT_WS_JOIN", "10-M")
	cfg.RateLimitWsOps = getEnvOrDefault("RATE_LIMIT_WS_OPS", "200-M")
	cfg.RateLimitWsCursor = getEnvOrDefault("RATE_LIMIT_WS_CURSOR", "50-S")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// envInt reads an integer env var with a default and an allowed range,
// appending to errs on violation.
func envInt(errs *[]string, key string, def, min, max int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer between %d and %d (got '%s')", key, min, max, raw))
		return def
	}
	return v
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"auth0_domain", cfg.Auth0Domain,
		"skip_auth", cfg.SkipAuth,
		"database_url", redactSecret(cfg.DatabaseURL),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"staleness_window", cfg.StalenessWindow,
		"away_after", cfg.AwayAfter,
		"join_timeout", cfg.JoinTimeout,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

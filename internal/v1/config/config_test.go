package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PORT", "8080")
	t.Setenv("SKIP_AUTH", "true")
}

func TestValidateEnv_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(100), cfg.StalenessWindow)
	assert.Equal(t, 5*time.Minute, cfg.AwayAfter)
	assert.Equal(t, 10*time.Second, cfg.JoinTimeout)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.Equal(t, "50-S", cfg.RateLimitWsCursor)
	assert.False(t, cfg.RedisEnabled)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestValidateEnv_MissingPort(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SKIP_AUTH", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "99999")
	t.Setenv("SKIP_AUTH", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnv_AuthRequiredWithoutSkip(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("SKIP_AUTH", "")
	t.Setenv("AUTH0_DOMAIN", "")
	t.Setenv("AUTH0_AUDIENCE", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH0_DOMAIN is required")
	assert.Contains(t, err.Error(), "AUTH0_AUDIENCE is required")
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-a-host-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format")
}

func TestValidateEnv_TuningBounds(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STALENESS_WINDOW", "0")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STALENESS_WINDOW")
}

func TestValidateEnv_AggregatesErrors(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SKIP_AUTH", "")
	t.Setenv("AUTH0_DOMAIN", "")
	t.Setenv("AUTH0_AUDIENCE", "")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
	assert.Contains(t, err.Error(), "AUTH0_DOMAIN is required")
}

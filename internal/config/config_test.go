package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
jwt_secret: access-secret-for-tests
jwt_refresh_secret: refresh-secret-for-tests
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxLoginAttempts)
	assert.Equal(t, 30*time.Minute, cfg.LockoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.SessionLifetime())
	assert.Equal(t, 5, cfg.MaxSessionsPerUser)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenLifetime)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenLifetime)
	assert.Equal(t, 2, cfg.TOTPWindow)
	assert.Equal(t, 10, cfg.BackupCodeCount)
	assert.Equal(t, "closed", cfg.LockoutFailMode)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, 500*time.Millisecond, cfg.StoreOpTimeout())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal+`
max_login_attempts: 3
access_token_lifetime: 5m
redis_enabled: true
redis_addr: redis:6379
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxLoginAttempts)
	assert.Equal(t, 5*time.Minute, cfg.AccessTokenLifetime)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("AUTHCORE_MAX_SESSIONS_PER_USER", "9")
	t.Setenv("AUTHCORE_JWT_SECRET", "from-env-access")

	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxSessionsPerUser)
	assert.Equal(t, "from-env-access", cfg.JWTSecret)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, minimal))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secrets", func(c *Config) { c.JWTSecret = "" }},
		{"equal secrets", func(c *Config) { c.JWTRefreshSecret = c.JWTSecret }},
		{"zero attempts", func(c *Config) { c.MaxLoginAttempts = 0 }},
		{"negative lifetime", func(c *Config) { c.SessionLifetimeMs = -1 }},
		{"unknown fail mode", func(c *Config) { c.LockoutFailMode = "maybe" }},
		{"fail open without limiter", func(c *Config) { c.LockoutFailMode = "open" }},
		{"redis without addr", func(c *Config) { c.RedisEnabled = true; c.RedisAddr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.LockoutFailMode = "open"
	cfg.IPRateLimitPerMin = 30
	assert.NoError(t, cfg.Validate())
}

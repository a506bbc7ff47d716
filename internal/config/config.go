package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Lockout
	MaxLoginAttempts  int    `mapstructure:"max_login_attempts"`
	LockoutDurationMs int64  `mapstructure:"lockout_duration_ms"`   // also the window failures are counted over
	LockoutFailMode   string `mapstructure:"lockout_fail_mode"`     // closed or open; open requires the IP limiter
	IPRateLimitPerMin int    `mapstructure:"ip_rate_limit_per_min"` // 0 = limiter disabled
	IPRateLimitBurst  int    `mapstructure:"ip_rate_limit_burst"`

	// Sessions
	SessionLifetimeMs  int64 `mapstructure:"session_lifetime_ms"`
	MaxSessionsPerUser int   `mapstructure:"max_sessions_per_user"`

	// Tokens
	AccessTokenLifetime  time.Duration `mapstructure:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `mapstructure:"refresh_token_lifetime"`
	JWTSecret            string        `mapstructure:"jwt_secret"`
	JWTRefreshSecret     string        `mapstructure:"jwt_refresh_secret"`
	JWTIssuer            string        `mapstructure:"jwt_issuer"`
	JWTAudience          string        `mapstructure:"jwt_audience"`

	// Two-factor
	TOTPWindow           int    `mapstructure:"totp_window"`
	TOTPIssuer           string `mapstructure:"totp_issuer"`
	BackupCodeCount      int    `mapstructure:"backup_code_count"`
	BackupCodeBcryptCost int    `mapstructure:"backup_code_bcrypt_cost"`
	MFAEncryptionKey     string `mapstructure:"mfa_encryption_key"` // base64, 32 bytes; empty = plaintext at rest

	// Store
	RedisEnabled        bool   `mapstructure:"redis_enabled"`
	RedisAddr           string `mapstructure:"redis_addr"`
	RedisPassword       string `mapstructure:"redis_password"`
	RedisDB             int    `mapstructure:"redis_db"`
	MemoryStoreCapacity int    `mapstructure:"memory_store_capacity"`
	StoreOpTimeoutMs    int    `mapstructure:"store_op_timeout_ms"`

	// Ops
	LogLevel              string  `mapstructure:"log_level"`
	LogFormat             string  `mapstructure:"log_format"`
	LogFile               string  `mapstructure:"log_file"` // empty = stderr
	MetricsPort           int     `mapstructure:"metrics_port"`
	AuditDBPath           string  `mapstructure:"audit_db_path"`     // SQLite file; empty = audit to log only
	AuditPostgresDSN      string  `mapstructure:"audit_postgres_dsn"` // takes precedence over audit_db_path
	TracingEndpoint       string  `mapstructure:"tracing_endpoint"`
	TracingProtocol       string  `mapstructure:"tracing_protocol"`
	TracingSamplingRate   float64 `mapstructure:"tracing_sampling_rate"`
	IndexSweepIntervalSec int     `mapstructure:"index_sweep_interval_sec"` // 0 = sweeper disabled
	ShutdownTimeoutSec    int     `mapstructure:"shutdown_timeout_sec"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_login_attempts", 5)
	v.SetDefault("lockout_duration_ms", 30*60*1000)
	v.SetDefault("lockout_fail_mode", "closed")
	v.SetDefault("ip_rate_limit_per_min", 0)
	v.SetDefault("ip_rate_limit_burst", 0)

	v.SetDefault("session_lifetime_ms", 24*60*60*1000)
	v.SetDefault("max_sessions_per_user", 5)

	v.SetDefault("access_token_lifetime", "15m")
	v.SetDefault("refresh_token_lifetime", "168h")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_refresh_secret", "")
	v.SetDefault("jwt_issuer", "kubilitics-authcore")
	v.SetDefault("jwt_audience", "kubilitics")

	v.SetDefault("totp_window", 2)
	v.SetDefault("totp_issuer", "Kubilitics")
	v.SetDefault("backup_code_count", 10)
	v.SetDefault("backup_code_bcrypt_cost", 10)
	v.SetDefault("mfa_encryption_key", "")

	v.SetDefault("redis_enabled", false)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("memory_store_capacity", 100000)
	v.SetDefault("store_op_timeout_ms", 500)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("audit_db_path", "")
	v.SetDefault("audit_postgres_dsn", "")
	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_protocol", "http")
	v.SetDefault("tracing_sampling_rate", 1.0)
	v.SetDefault("index_sweep_interval_sec", 300)
	v.SetDefault("shutdown_timeout_sec", 15)
}

// Load reads configFile, or config.yaml from the standard locations when
// configFile is empty, overlays AUTHCORE_* environment variables and validates.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/authcore/")
		v.AddConfigPath("$HOME/.authcore")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("AUTHCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the auth core cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" || c.JWTRefreshSecret == "" {
		errs = append(errs, errors.New("jwt_secret and jwt_refresh_secret are required"))
	} else if c.JWTSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("jwt_secret and jwt_refresh_secret must differ"))
	}
	positive := map[string]int64{
		"max_login_attempts":     int64(c.MaxLoginAttempts),
		"lockout_duration_ms":    c.LockoutDurationMs,
		"session_lifetime_ms":    c.SessionLifetimeMs,
		"max_sessions_per_user":  int64(c.MaxSessionsPerUser),
		"access_token_lifetime":  int64(c.AccessTokenLifetime),
		"refresh_token_lifetime": int64(c.RefreshTokenLifetime),
		"backup_code_count":      int64(c.BackupCodeCount),
	}
	for name, val := range positive {
		if val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.TOTPWindow < 0 {
		errs = append(errs, errors.New("totp_window must not be negative"))
	}
	switch c.LockoutFailMode {
	case "closed":
	case "open":
		if c.IPRateLimitPerMin <= 0 {
			errs = append(errs, errors.New("lockout_fail_mode open requires ip_rate_limit_per_min > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("lockout_fail_mode must be closed or open, got %q", c.LockoutFailMode))
	}
	if c.RedisEnabled && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required when redis_enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutDurationMs) * time.Millisecond
}

func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionLifetimeMs) * time.Millisecond
}

func (c *Config) StoreOpTimeout() time.Duration {
	return time.Duration(c.StoreOpTimeoutMs) * time.Millisecond
}

func (c *Config) IndexSweepInterval() time.Duration {
	return time.Duration(c.IndexSweepIntervalSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

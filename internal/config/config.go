// Package config loads the stepupd process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/stepup"
)

// Config is the environment of the stepupd daemon.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	RedisURL        string        `env:"REDIS_URL"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	AdminHeader     string        `env:"STEP_UP_ADMIN_HEADER" envDefault:"X-Admin-ID"`
	MigrateOnStart  bool          `env:"STEP_UP_MIGRATE" envDefault:"true"`
	PurgeInterval   time.Duration `env:"STEP_UP_PURGE_INTERVAL" envDefault:"10m"`
	ShutdownTimeout time.Duration `env:"STEP_UP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	ProductionMode  bool          `env:"STEP_UP_PRODUCTION" envDefault:"false"`

	LoginTTL             time.Duration `env:"STEP_UP_LOGIN_TTL" envDefault:"8h"`
	SecurityTTL          time.Duration `env:"STEP_UP_SECURITY_TTL" envDefault:"10m"`
	SecuritySingleUse    bool          `env:"STEP_UP_SECURITY_SINGLE_USE" envDefault:"true"`
	AdminManagementTTL   time.Duration `env:"STEP_UP_ADMIN_MANAGEMENT_TTL" envDefault:"10m"`
	ContentPublishingTTL time.Duration `env:"STEP_UP_CONTENT_PUBLISHING_TTL" envDefault:"15m"`

	TOTPIssuer      string        `env:"TOTP_ISSUER" envDefault:"stepup"`
	TOTPDigits      int           `env:"TOTP_DIGITS" envDefault:"6"`
	TOTPSkew        int           `env:"TOTP_SKEW" envDefault:"1"`
	TOTPMaxAttempts int           `env:"TOTP_MAX_ATTEMPTS" envDefault:"5"`
	TOTPCooldown    time.Duration `env:"TOTP_COOLDOWN" envDefault:"1m"`
	TOTPReplayGuard bool          `env:"TOTP_REPLAY_PROTECTION" envDefault:"true"`

	EventsStream   string `env:"STEP_UP_EVENTS_STREAM" envDefault:"stepup:security-events"`
	EventsAsync    bool   `env:"STEP_UP_EVENTS_ASYNC" envDefault:"true"`
	EventsBuffer   int    `env:"STEP_UP_EVENTS_BUFFER" envDefault:"1024"`
	MetricsEnabled bool   `env:"STEP_UP_METRICS" envDefault:"true"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the engine config does not cover.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	if strings.TrimSpace(c.AdminHeader) == "" {
		return errors.New("STEP_UP_ADMIN_HEADER must not be empty")
	}
	if c.PurgeInterval < 0 {
		return errors.New("STEP_UP_PURGE_INTERVAL must be >= 0")
	}
	if c.ProductionMode && c.RedisURL == "" {
		return errors.New("REDIS_URL is required in production: the TOTP attempt limiter lives in redis")
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// EngineConfig maps the environment onto stepup.Config and validates the result.
func (c *Config) EngineConfig() (stepup.Config, error) {
	cfg := stepup.DefaultConfig()
	cfg.Grant.Policy[stepup.ScopeLogin] = stepup.ScopePolicy{TTL: c.LoginTTL}
	cfg.Grant.Policy[stepup.ScopeSecurity] = stepup.ScopePolicy{TTL: c.SecurityTTL, SingleUse: c.SecuritySingleUse}
	cfg.Grant.Policy[stepup.ScopeAdminManagement] = stepup.ScopePolicy{TTL: c.AdminManagementTTL}
	cfg.Grant.Policy[stepup.ScopeContentPublishing] = stepup.ScopePolicy{TTL: c.ContentPublishingTTL}

	cfg.TOTP.Issuer = c.TOTPIssuer
	cfg.TOTP.Digits = c.TOTPDigits
	cfg.TOTP.Skew = c.TOTPSkew
	cfg.TOTP.MaxAttempts = c.TOTPMaxAttempts
	cfg.TOTP.Cooldown = c.TOTPCooldown
	cfg.TOTP.EnforceReplayProtection = c.TOTPReplayGuard

	cfg.SecurityEvents.Async = c.EventsAsync
	cfg.SecurityEvents.BufferSize = c.EventsBuffer
	cfg.Metrics.Enabled = c.MetricsEnabled
	cfg.Metrics.EnableLatencyHistograms = c.MetricsEnabled
	cfg.Security.ProductionMode = c.ProductionMode

	if err := cfg.Validate(); err != nil {
		return stepup.Config{}, fmt.Errorf("engine config: %w", err)
	}
	return cfg, nil
}

// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const minSecretLength = 32

var schemaNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateDatabase,
		c.validateSecurity,
		c.validateLogging,
		c.validateSync,
		c.validateRateLimit,
		c.validateRedis,
		c.validateEvents,
		c.validateUploads,
		c.validateAI,
		c.validateTiers,
		c.validateAudit,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("PUBLIC_URL is required (used to build OAuth callback URLs)")
	}
	if err := validateHTTPURL(c.Server.PublicURL); err != nil {
		return fmt.Errorf("PUBLIC_URL is invalid: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !schemaNamePattern.MatchString(c.Database.WarehouseSchema) {
		return fmt.Errorf("WAREHOUSE_SCHEMA %q is not a valid lower-case identifier", c.Database.WarehouseSchema)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be at least 1")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DATABASE_MIN_CONNS (%d) cannot exceed DATABASE_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if len(c.Security.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if len(c.Security.EncryptionSecret) < minSecretLength {
		return fmt.Errorf("ENCRYPTION_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Security.EncryptionSecret == c.Security.JWTSecret {
		return fmt.Errorf("ENCRYPTION_SECRET must differ from JWT_SECRET")
	}
	if !c.Security.RateLimitDisable && c.Security.RateLimitReqs < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive unless DISABLE_RATE_LIMIT=true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not recognized", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateSync() error {
	s := c.Sync
	if s.TickInterval <= 0 {
		return fmt.Errorf("SYNC_TICK_INTERVAL must be positive")
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("SYNC_MAX_CONCURRENT must be at least 1")
	}
	if s.RunTimeout <= 0 {
		return fmt.Errorf("SYNC_RUN_TIMEOUT must be positive")
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("SYNC_RETRY_ATTEMPTS cannot be negative")
	}
	if s.RetryDelay <= 0 || s.RetryMaxDelay < s.RetryDelay {
		return fmt.Errorf("SYNC_RETRY_DELAY must be positive and not exceed SYNC_RETRY_MAX_DELAY")
	}
	if s.FailureBackoff <= 0 || s.FailureBackoffMax < s.FailureBackoff {
		return fmt.Errorf("SYNC_FAILURE_BACKOFF must be positive and not exceed SYNC_FAILURE_BACKOFF_MAX")
	}
	if s.LockTTL < s.RunTimeout {
		return fmt.Errorf("SYNC_LOCK_TTL (%s) must be at least SYNC_RUN_TIMEOUT (%s)", s.LockTTL, s.RunTimeout)
	}
	if s.TableParallelism < 1 {
		return fmt.Errorf("SYNC_TABLE_PARALLELISM must be at least 1")
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.Default.RPS <= 0 || c.RateLimit.Default.Burst < 1 {
		return fmt.Errorf("ratelimit.default requires rps > 0 and burst >= 1")
	}
	for provider, rule := range c.RateLimit.Providers {
		if rule.RPS <= 0 || rule.Burst < 1 {
			return fmt.Errorf("ratelimit.providers.%s requires rps > 0 and burst >= 1", provider)
		}
	}
	if c.RateLimit.SharedLimit > 0 && c.RateLimit.SharedWindow <= 0 {
		return fmt.Errorf("RATELIMIT_SHARED_WINDOW must be positive when RATELIMIT_SHARED_LIMIT is set")
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when REDIS_ENABLED=true")
	}
	return nil
}

func (c *Config) validateEvents() error {
	switch c.Events.Backend {
	case "gochannel":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when EVENTS_BACKEND=nats")
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be gochannel or nats, got %q", c.Events.Backend)
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func (c *Config) validateUploads() error {
	if !c.Uploads.InMemory && c.Uploads.Dir == "" {
		return fmt.Errorf("UPLOADS_DIR is required unless UPLOADS_IN_MEMORY=true")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("UPLOADS_MAX_BYTES must be positive")
	}
	if c.Uploads.TTL <= 0 {
		return fmt.Errorf("UPLOADS_TTL must be positive")
	}
	return nil
}

func (c *Config) validateAI() error {
	if !c.AI.Enabled {
		return nil
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when AI_ENABLED=true")
	}
	if c.AI.SampleRows < 1 || c.AI.SampleRows > 5000 {
		return fmt.Errorf("AI_SAMPLE_ROWS must be between 1 and 5000")
	}
	return nil
}

func (c *Config) validateTiers() error {
	switch c.Tiers.Default {
	case "free", "pro", "business", "enterprise":
		return nil
	default:
		return fmt.Errorf("DEFAULT_TIER %q is not a known tier", c.Tiers.Default)
	}
}

func (c *Config) validateAudit() error {
	if !c.Audit.Enabled {
		return nil
	}
	switch c.Audit.MinSeverity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("AUDIT_MIN_SEVERITY must be info, warning or critical, got %q", c.Audit.MinSeverity)
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("AUDIT_RETENTION cannot be negative")
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 1")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

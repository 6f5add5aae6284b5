// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package config loads Marketscope configuration from defaults, an optional
// YAML file and environment variables (in that order of precedence) using
// Koanf v2, and validates the result.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
	Sync      SyncConfig      `koanf:"sync"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Redis     RedisConfig     `koanf:"redis"`
	Events    EventsConfig    `koanf:"events"`
	Uploads   UploadsConfig   `koanf:"uploads"`
	OAuth     OAuthConfig     `koanf:"oauth"`
	AI        AIConfig        `koanf:"ai"`
	Tiers     TiersConfig     `koanf:"tiers"`
	Audit     AuditConfig     `koanf:"audit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	PublicURL       string        `koanf:"public_url"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres instance that holds both the
// application schema and the warehouse schema.
type DatabaseConfig struct {
	URL              string        `koanf:"url"`
	MaxConns         int32         `koanf:"max_conns"`
	MinConns         int32         `koanf:"min_conns"`
	MaxConnLifetime  time.Duration `koanf:"max_conn_lifetime"`
	WarehouseSchema  string        `koanf:"warehouse_schema"`
	StatementTimeout time.Duration `koanf:"statement_timeout"`
	// ModelQueryRole is assumed while data model SQL runs. Empty keeps the
	// application user.
	ModelQueryRole string `koanf:"model_query_role"`
	AutoMigrate    bool   `koanf:"auto_migrate"`
}

// SecurityConfig holds authentication and API hardening settings.
type SecurityConfig struct {
	JWTSecret        string        `koanf:"jwt_secret"`
	SessionTimeout   time.Duration `koanf:"session_timeout"`
	EncryptionSecret string        `koanf:"encryption_secret"`
	CORSOrigins      []string      `koanf:"cors_origins"`
	RateLimitReqs    int           `koanf:"rate_limit_requests"`
	RateLimitWindow  time.Duration `koanf:"rate_limit_window"`
	RateLimitDisable bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level          string `koanf:"level"`
	Format         string `koanf:"format"`
	Caller         bool   `koanf:"caller"`
	File           string `koanf:"file"`
	FileMaxSizeMB  int    `koanf:"file_max_size_mb"`
	FileMaxBackups int    `koanf:"file_max_backups"`
	FileMaxAgeDays int    `koanf:"file_max_age_days"`
}

// SyncConfig tunes the scheduler and the per-run sync behavior.
type SyncConfig struct {
	Enabled            bool          `koanf:"enabled"`
	TickInterval       time.Duration `koanf:"tick_interval"`
	MaxConcurrent      int           `koanf:"max_concurrent"`
	RunTimeout         time.Duration `koanf:"run_timeout"`
	DefaultLookback    time.Duration `koanf:"default_lookback"`
	RetryAttempts      int           `koanf:"retry_attempts"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	RetryMaxDelay      time.Duration `koanf:"retry_max_delay"`
	FailureBackoff     time.Duration `koanf:"failure_backoff"`
	FailureBackoffMax  time.Duration `koanf:"failure_backoff_max"`
	LockTTL            time.Duration `koanf:"lock_ttl"`
	TableParallelism   int           `koanf:"table_parallelism"`
	DisableAfterErrors int           `koanf:"disable_after_errors"`
}

// RateLimitRule is a token bucket definition.
type RateLimitRule struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// RateLimitConfig overrides the built-in per-provider limits.
type RateLimitConfig struct {
	Default   RateLimitRule            `koanf:"default"`
	Providers map[string]RateLimitRule `koanf:"providers"`
	// SharedWindow enables the Redis fixed-window limiter across instances
	// when Redis is configured.
	SharedWindow time.Duration `koanf:"shared_window"`
	SharedLimit  int           `koanf:"shared_limit"`
}

// RedisConfig is optional; when disabled, locks and limits are process-local.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// EventsConfig selects the sync event transport.
type EventsConfig struct {
	Backend      string   `koanf:"backend"`
	NATSURL      string   `koanf:"nats_url"`
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
}

// UploadsConfig configures the staging store for Excel/CSV/PDF uploads.
type UploadsConfig struct {
	Dir        string        `koanf:"dir"`
	TTL        time.Duration `koanf:"ttl"`
	MaxBytes   int64         `koanf:"max_bytes"`
	GCInterval time.Duration `koanf:"gc_interval"`
	InMemory   bool          `koanf:"in_memory"`
}

// OAuthClient is one OAuth application registration.
type OAuthClient struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

// OAuthConfig holds the provider registrations used by connected sources.
type OAuthConfig struct {
	Google                 OAuthClient   `koanf:"google"`
	LinkedIn               OAuthClient   `koanf:"linkedin"`
	HubSpot                OAuthClient   `koanf:"hubspot"`
	GoogleAdsDevToken      string        `koanf:"google_ads_developer_token"`
	GoogleAdsLoginCustomer string        `koanf:"google_ads_login_customer_id"`
	StateTTL               time.Duration `koanf:"state_ttl"`
}

// AIConfig configures AI-assisted analyses.
type AIConfig struct {
	Enabled    bool          `koanf:"enabled"`
	APIKey     string        `koanf:"api_key"`
	Model      string        `koanf:"model"`
	SampleRows int           `koanf:"sample_rows"`
	Timeout    time.Duration `koanf:"timeout"`
}

// TiersConfig selects the tier assigned to new accounts.
type TiersConfig struct {
	Default string `koanf:"default"`
}

// AuditConfig controls the security audit trail.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	MinSeverity     string        `koanf:"min_severity"`
	Retention       time.Duration `koanf:"retention"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	BufferSize      int           `koanf:"buffer_size"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}

// OAuthRedirectURL builds the callback URL registered with a provider.
func (c *Config) OAuthRedirectURL(provider string) string {
	return trimTrailingSlash(c.Server.PublicURL) + "/api/v1/oauth/" + provider + "/callback"
}

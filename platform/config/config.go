// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides coordination-cache connection settings.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq client and worker.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// ConductorConfig provides settings for the lead conductor.
type ConductorConfig interface {
	GetLockTTL() time.Duration
	GetLockMaxWait() time.Duration
	GetSyncDeadline() time.Duration
	GetMaxTurns() int
	GetMaxFollowUps() int
	GetColdAfter() time.Duration
	GetSweepInterval() time.Duration
	GetLockRetryEnabled() bool
}

// AdmissionConfig provides settings for rate limiting and reputation.
type AdmissionConfig interface {
	GetInboundLimitPerMinute() int
	GetIdentityLimitPerMinute() int
}

// AIConfig provides settings for the content generation adapter.
type AIConfig interface {
	GetGeminiAPIKey() string
	GetGenerateTimeout() time.Duration
	GetGenerateModel() string
	IsAIEnabled() bool
}

// ChannelConfig provides settings for the outbound message channel.
type ChannelConfig interface {
	GetChannelURL() string
	GetChannelAPIKey() string
}

// DeadLetterConfig provides settings for the dead letter queue.
type DeadLetterConfig interface {
	GetDLQMaxRetries() int
}

// AdminConfig provides settings for operator-facing endpoints.
type AdminConfig interface {
	GetAdminAPIToken() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	DatabaseURL            string
	RedisURL               string
	RedisTLSInsecure       bool
	AsynqQueueName         string
	AsynqConcurrency       int
	CORSAllowAll           bool
	CORSOrigins            []string
	LockTTL                time.Duration
	LockMaxWait            time.Duration
	SyncDeadline           time.Duration
	MaxTurns               int
	MaxFollowUps           int
	ColdAfter              time.Duration
	SweepInterval          time.Duration
	LockRetryEnabled       bool
	InboundLimitPerMinute  int
	IdentityLimitPerMinute int
	GeminiAPIKey           string
	GenerateTimeout        time.Duration
	GenerateModel          string
	ChannelURL             string
	ChannelAPIKey          string
	DLQMaxRetries          int
	AdminAPIToken          string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// ConductorConfig implementation
func (c *Config) GetLockTTL() time.Duration       { return c.LockTTL }
func (c *Config) GetLockMaxWait() time.Duration   { return c.LockMaxWait }
func (c *Config) GetSyncDeadline() time.Duration  { return c.SyncDeadline }
func (c *Config) GetMaxTurns() int                { return c.MaxTurns }
func (c *Config) GetMaxFollowUps() int            { return c.MaxFollowUps }
func (c *Config) GetColdAfter() time.Duration     { return c.ColdAfter }
func (c *Config) GetSweepInterval() time.Duration { return c.SweepInterval }
func (c *Config) GetLockRetryEnabled() bool       { return c.LockRetryEnabled }

// AdmissionConfig implementation
func (c *Config) GetInboundLimitPerMinute() int  { return c.InboundLimitPerMinute }
func (c *Config) GetIdentityLimitPerMinute() int { return c.IdentityLimitPerMinute }

// AIConfig implementation
func (c *Config) GetGeminiAPIKey() string           { return c.GeminiAPIKey }
func (c *Config) GetGenerateTimeout() time.Duration { return c.GenerateTimeout }
func (c *Config) GetGenerateModel() string          { return c.GenerateModel }
func (c *Config) IsAIEnabled() bool                 { return c.GeminiAPIKey != "" }

// ChannelConfig implementation
func (c *Config) GetChannelURL() string    { return c.ChannelURL }
func (c *Config) GetChannelAPIKey() string { return c.ChannelAPIKey }

// DeadLetterConfig implementation
func (c *Config) GetDLQMaxRetries() int { return c.DLQMaxRetries }

// AdminConfig implementation
func (c *Config) GetAdminAPIToken() string { return c.AdminAPIToken }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:         getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:       mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		CORSAllowAll:           corsAllowAll,
		CORSOrigins:            corsOrigins,
		LockTTL:                mustDuration(getEnv("CONDUCTOR_LOCK_TTL", "30s")),
		LockMaxWait:            mustDuration(getEnv("CONDUCTOR_LOCK_MAX_WAIT", "5s")),
		SyncDeadline:           mustDuration(getEnv("CONDUCTOR_SYNC_DEADLINE", "10s")),
		MaxTurns:               mustInt(getEnv("CONDUCTOR_MAX_TURNS", "30")),
		MaxFollowUps:           mustInt(getEnv("CONDUCTOR_MAX_FOLLOWUPS", "3")),
		ColdAfter:              mustDuration(getEnv("CONDUCTOR_COLD_AFTER", "48h")),
		SweepInterval:          mustDuration(getEnv("CONDUCTOR_SWEEP_INTERVAL", "5m")),
		LockRetryEnabled:       strings.EqualFold(getEnv("CONDUCTOR_LOCK_RETRY", "false"), "true"),
		InboundLimitPerMinute:  mustInt(getEnv("INBOUND_LIMIT_PER_MINUTE", "60")),
		IdentityLimitPerMinute: mustInt(getEnv("IDENTITY_LIMIT_PER_MINUTE", "10")),
		GeminiAPIKey:           getEnv("GEMINI_API_KEY", ""),
		GenerateTimeout:        mustDuration(getEnv("AI_GENERATE_TIMEOUT", "8s")),
		GenerateModel:          getEnv("AI_GENERATE_MODEL", "gemini-2.0-flash"),
		ChannelURL:             getEnv("CHANNEL_URL", ""),
		ChannelAPIKey:          getEnv("CHANNEL_API_KEY", ""),
		DLQMaxRetries:          mustInt(getEnv("DLQ_MAX_RETRIES", "5")),
		AdminAPIToken:          getEnv("ADMIN_API_TOKEN", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.LockTTL <= 0 || cfg.LockMaxWait <= 0 {
		return nil, fmt.Errorf("CONDUCTOR_LOCK_TTL and CONDUCTOR_LOCK_MAX_WAIT must be positive durations")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

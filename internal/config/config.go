// Package config provides centralized configuration management for the service.
// Values come from environment variables, then an optional config file, then
// struct-tag defaults. Everything is validated on startup to fail fast.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Search   SearchConfig
	Events   EventsConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout stays 0 so progress streams are not cut off.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight ingestion.
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the in-memory
	// store, which is only meant for development and tests.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns int `env:"DB_MAX_CONNS" default:"20"`
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// UploadConfig holds spreadsheet ingestion settings.
type UploadConfig struct {
	// MaxFileSize is the maximum accepted file size in bytes (default: 10MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"10485760"`

	// MaxConcurrent is the maximum number of batches ingesting at once (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a submission waits for an ingestion slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// Timeout bounds a single batch's ingestion (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`

	// ErrorListCap bounds the per-batch row error list (default: 200)
	ErrorListCap int `env:"UPLOAD_ERROR_LIST_CAP" default:"200"`

	// MaxConsecutiveFailures stops a batch after that many failed rows in a
	// row; the remainder is skipped. 0 disables the check.
	MaxConsecutiveFailures int `env:"UPLOAD_MAX_CONSECUTIVE_FAILURES" default:"0"`

	// ProgressInterval is how many rows pass between progress writes (default: 100)
	ProgressInterval int `env:"UPLOAD_PROGRESS_INTERVAL" default:"100"`

	// RecoveryInterval is how often batches abandoned by a crashed process
	// are swept. 0 disables the sweep; startup recovery still runs.
	RecoveryInterval time.Duration `env:"UPLOAD_RECOVERY_INTERVAL" default:"1m"`
}

// SearchConfig holds query engine settings.
type SearchConfig struct {
	// PageSize is the fixed number of records per page (default: 20)
	PageSize int `env:"SEARCH_PAGE_SIZE" default:"20"`

	CacheTTL  time.Duration `env:"SEARCH_CACHE_TTL" default:"30s"`
	CacheSize int           `env:"SEARCH_CACHE_SIZE" default:"1024"`

	// RedisURL shares the cache version across replicas when set. Replicas
	// reload their search index when the shared version moves.
	RedisURL string `env:"SEARCH_REDIS_URL" envAlt:"REDIS_URL"`
}

// EventsConfig holds audit and notification delivery settings.
type EventsConfig struct {
	// KafkaBrokers enables the Kafka sink when non-empty; events are logged otherwise.
	KafkaBrokers []string `env:"EVENTS_KAFKA_BROKERS"`

	KafkaTopic string `env:"EVENTS_KAFKA_TOPIC" default:"vehicle-ingest.events"`

	BufferSize int `env:"EVENTS_BUFFER_SIZE" default:"256"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// APIKeys is a comma-separated list of accepted X-API-Key values.
	APIKeys []string `env:"API_KEYS"`

	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// JWTSecret enables HS256 bearer tokens as the principal source. When
	// empty the principal is read from X-User-* headers set by a gateway.
	JWTSecret string `env:"AUTH_JWT_SECRET"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// UsesMemoryStore reports whether no database is configured.
func (c *DatabaseConfig) UsesMemoryStore() bool {
	return c.URL == ""
}

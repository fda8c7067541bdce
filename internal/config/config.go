// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strings"
	"time"
)

// MemoryDatabaseURL selects the in-process store instead of PostgreSQL.
const MemoryDatabaseURL = "memory"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Upload    UploadConfig
	Extractor ExtractorConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Retention RetentionConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" envAlt:"PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 120s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"120s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required).
	// The literal value "memory" runs against the in-process store.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate applies the embedded schema on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// IsMemory reports whether the in-process store was requested.
func (c *DatabaseConfig) IsMemory() bool {
	return strings.EqualFold(strings.TrimSpace(c.URL), MemoryDatabaseURL)
}

// UploadConfig holds report upload settings.
type UploadConfig struct {
	// MaxSizeMB is the maximum accepted document size in megabytes (default: 50)
	MaxSizeMB int64 `env:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// MaxReportsPerOwner caps stored reports per owner; 0 disables the cap (default: 0)
	MaxReportsPerOwner int `env:"MAX_REPORTS_PER_USER" default:"0"`

	// AllowedExtensions lists accepted document extensions
	AllowedExtensions []string `env:"UPLOAD_ALLOWED_EXTENSIONS" default:".xhtml,.html,.zip"`
}

// MaxFileSize returns the upload limit in bytes.
func (c *UploadConfig) MaxFileSize() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

// ExtractorConfig describes how the Arelle command line is invoked.
type ExtractorConfig struct {
	// Python is the interpreter used to run Arelle (default: python)
	Python string `env:"ARELLE_PYTHON" default:"python"`

	// Script is the Arelle command line entry point
	Script string `env:"ARELLE_SCRIPT" default:"/opt/arelle/arelleCmdLine.py"`

	// WorkDir is the working directory for every invocation
	WorkDir string `env:"ARELLE_WORKDIR" default:"/opt/arelle"`

	// CacheDir is exported as ARELLE_CACHE_DIR to the subprocess
	CacheDir string `env:"ARELLE_CACHE_DIR" default:"/tmp/arelle-cache"`

	// Plugins is the configured plugin list, used by the last command variant
	Plugins []string `env:"ARELLE_PLUGINS" default:"saveLoadableOIM,inlineXbrlDocumentSet"`

	// Timeout bounds one complete pipeline run (default: 10m)
	Timeout time.Duration `env:"ARELLE_TIMEOUT" default:"10m"`

	// APIFallback enables the in-process Arelle API fallback (default: true)
	APIFallback bool `env:"ARELLE_API_FALLBACK" default:"true"`

	// EntrypointURL is the taxonomy entry point the version string is derived from
	EntrypointURL string `env:"VSME_ENTRYPOINT_URL" default:"https://xbrl.efrag.org/taxonomy/vsme/2024-12-17/vsme-all.xsd"`
}

// StorageConfig selects where uploaded and derived artifacts live.
type StorageConfig struct {
	// Backend is "local" or "gcs" (default: local)
	Backend string `env:"STORAGE_BACKEND" default:"local"`

	// Root is the local media directory (default: media)
	Root string `env:"MEDIA_ROOT" default:"media"`

	// Bucket is the GCS bucket name when Backend is gcs
	Bucket string `env:"GCS_BUCKET"`

	// Prefix is prepended to every GCS object key
	Prefix string `env:"GCS_PREFIX"`

	// CredentialsJSON holds explicit service account credentials; ADC is used when empty
	CredentialsJSON string `env:"GCS_CREDENTIALS_JSON"`
}

// RedisConfig holds the optional Redis connection used for maintenance locks.
type RedisConfig struct {
	// Addr is host:port; empty disables Redis (default: empty)
	Addr string `env:"REDIS_ADDRESS" envAlt:"REDIS_ADDR"`

	// Password for AUTH, if any
	Password string `env:"REDIS_PASSWORD"`

	// DB is the logical database index (default: 0)
	DB int `env:"REDIS_DB" default:"0"`

	// LockTTL is how long a maintenance lock is held before it expires (default: 5m)
	LockTTL time.Duration `env:"REDIS_LOCK_TTL" default:"5m"`
}

// Enabled reports whether a Redis address was configured.
func (c *RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RetentionConfig holds report retention settings.
type RetentionConfig struct {
	// ReportDays deletes reports older than this many days; 0 disables (default: 0)
	ReportDays int `env:"REPORT_RETENTION_DAYS" default:"0"`

	// CheckInterval is how often to run the retention job (default: 24h)
	CheckInterval time.Duration `env:"RETENTION_CHECK_INTERVAL" default:"24h"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// OwnerHeader carries the authenticated user id set by the upstream gateway
	OwnerHeader string `env:"OWNER_HEADER" default:"X-User-ID"`
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
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}

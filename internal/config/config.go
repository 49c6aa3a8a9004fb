// Package config provides centralized configuration management for recordio.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"time"
	"unicode/utf8"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Storage StorageConfig
	Schema  SchemaConfig
	Import  ImportConfig
	Export  ExportConfig
	Archive ArchiveConfig
	Clean   CleanConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig selects the record store.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres (default: sqlite)
	Driver string `env:"STORAGE_DRIVER" default:"sqlite"`

	// SQLitePath is the database file for the sqlite driver (default: recordio.db)
	SQLitePath string `env:"SQLITE_PATH" default:"recordio.db"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 4)
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// EnsureSchema creates missing postgres tables on startup (default: true)
	EnsureSchema bool `env:"DB_ENSURE_SCHEMA" default:"true"`
}

// SchemaConfig locates the model catalog.
type SchemaConfig struct {
	// CatalogPath is the YAML catalog definition (required)
	CatalogPath string `env:"CATALOG_PATH" envAlt:"RECORDIO_CATALOG" required:"true"`
}

// ImportConfig holds the defaults applied to every import session.
type ImportConfig struct {
	OnError        string `env:"IMPORT_ON_ERROR" default:"ignore"`
	IfExist        string `env:"IMPORT_IF_EXIST" default:"update"`
	IfDoesNotExist string `env:"IMPORT_IF_DOES_NOT_EXIST" default:"create"`

	// CommitPerGroup commits after every group instead of once per session (default: false)
	CommitPerGroup bool `env:"IMPORT_COMMIT_PER_GROUP" default:"false"`

	// CSVDelimiter is a single character, or "tab" (default: ,)
	CSVDelimiter string `env:"IMPORT_CSV_DELIMITER" default:","`

	// CSVCharset names the input encoding, e.g. windows-1252 (default: utf-8)
	CSVCharset string `env:"IMPORT_CSV_CHARSET" default:"utf-8"`

	// GroupSize is the number of CSV rows per group, 0 for one group (default: 0)
	GroupSize int `env:"IMPORT_GROUP_SIZE" default:"0"`

	// MaxPayloadSize is the largest accepted payload in bytes (default: 64MB)
	MaxPayloadSize int64 `env:"IMPORT_MAX_PAYLOAD_SIZE" default:"67108864"`

	// Module owns every mapping entry the session creates.
	Module string `env:"IMPORT_MODULE"`

	// SessionWait is how long a session waits for the store (default: 30s)
	SessionWait time.Duration `env:"SESSION_WAIT" default:"30s"`
}

// ExportConfig holds export defaults.
type ExportConfig struct {
	Delimiter string `env:"EXPORT_DELIMITER" default:","`

	// Module owns the mapping entries minted during export.
	Module string `env:"EXPORT_MODULE"`
}

// ArchiveConfig selects where failed sessions are kept.
type ArchiveConfig struct {
	// Driver is none, fs or s3 (default: none)
	Driver string `env:"ARCHIVE_DRIVER" default:"none"`

	Dir string `env:"ARCHIVE_DIR" default:"archive"`

	Bucket          string `env:"ARCHIVE_S3_BUCKET"`
	Region          string `env:"ARCHIVE_S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`
	Endpoint        string `env:"ARCHIVE_S3_ENDPOINT"`
	PathStyle       bool   `env:"ARCHIVE_S3_PATH_STYLE" default:"false"`
	AccessKeyID     string `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"ARCHIVE_S3_SECRET_ACCESS_KEY"`

	// Prefix is prepended to every archived key.
	Prefix string `env:"ARCHIVE_PREFIX"`
}

// CleanConfig controls the background mapping repair.
type CleanConfig struct {
	// Interval is how often orphaned entries are removed (default: 1h)
	Interval time.Duration `env:"CLEAN_INTERVAL" default:"1h"`

	// Models limits the repair to these models, comma-separated (default: all)
	Models []string `env:"CLEAN_MODELS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig controls the Prometheus textfile dump.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" default:"false"`

	// Textfile is written after every command when metrics are enabled.
	Textfile string `env:"METRICS_TEXTFILE" default:"recordio.prom"`
}

// Comma returns the CSV import delimiter.
func (c *ImportConfig) Comma() rune { return ParseDelimiter(c.CSVDelimiter) }

// Comma returns the CSV export delimiter.
func (c *ExportConfig) Comma() rune { return ParseDelimiter(c.Delimiter) }

// ParseDelimiter returns the single rune in s, or 0 when s is not one character.
func ParseDelimiter(s string) rune {
	if s == "tab" || s == `\t` {
		return '\t'
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// Package config provides centralized configuration for the archiver.
// It loads settings from environment variables with sensible defaults,
// optionally overlays a YAML file, and validates everything on startup
// to fail fast on misconfiguration.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Import   ImportConfig   `yaml:"import"`
	Export   ExportConfig   `yaml:"export"`
	Memory   MemoryConfig   `yaml:"memory"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `yaml:"url" env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `yaml:"max_conns" env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `yaml:"min_conns" env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds settings for the import direction of the pipeline.
type ImportConfig struct {
	// InputDir is the directory scanned for archive files
	InputDir string `yaml:"input_dir" env:"IMPORT_INPUT_DIR" default:"."`

	// Communities is a comma-separated list of communities to import.
	// Empty means every community found in the archives.
	Communities []string `yaml:"communities" env:"IMPORT_COMMUNITIES"`

	// Platform selects the decoder family (default: reddit)
	Platform string `yaml:"platform" env:"IMPORT_PLATFORM" default:"reddit"`

	// BatchSize is the number of records accumulated before a bulk load (default: 5000)
	BatchSize int `yaml:"batch_size" env:"IMPORT_BATCH_SIZE" default:"5000"`

	// MaxRetries bounds retry attempts for a failed batch load (default: 3)
	MaxRetries int `yaml:"max_retries" env:"IMPORT_MAX_RETRIES" default:"3"`

	// CommunityWorkers bounds parallel community imports (default: 1, sequential)
	CommunityWorkers int `yaml:"community_workers" env:"IMPORT_COMMUNITY_WORKERS" default:"1"`

	// CorruptThreshold is the malformed-record ratio above which an
	// archive is abandoned as corrupt (default: 0.05)
	CorruptThreshold float64 `yaml:"corrupt_threshold" env:"IMPORT_CORRUPT_THRESHOLD" default:"0.05"`

	// LoadTimeout is the per-batch storage operation timeout (default: 2m)
	LoadTimeout time.Duration `yaml:"load_timeout" env:"IMPORT_LOAD_TIMEOUT" default:"2m"`

	// ForceRebuild re-imports communities whose checkpoint is already completed
	ForceRebuild bool `yaml:"force_rebuild" env:"IMPORT_FORCE_REBUILD" default:"false"`

	// ManageIndexes drops secondary indexes before large runs and
	// recreates them afterwards (default: true)
	ManageIndexes bool `yaml:"manage_indexes" env:"IMPORT_MANAGE_INDEXES" default:"true"`
}

// ExportConfig holds settings for the keyset export path.
type ExportConfig struct {
	// PageSize is the keyset pagination page size (default: 1000)
	PageSize int `yaml:"page_size" env:"EXPORT_PAGE_SIZE" default:"1000"`

	// Workers is the export worker pool size (default: 4).
	// Clamped to the database pool size at validation.
	Workers int `yaml:"workers" env:"EXPORT_WORKERS" default:"4"`

	// CheckpointInterval is how many pages a worker streams between
	// progress writes (default: 10)
	CheckpointInterval int `yaml:"checkpoint_interval" env:"EXPORT_CHECKPOINT_INTERVAL" default:"10"`

	// PageTimeout is the per-page fetch timeout (default: 30s)
	PageTimeout time.Duration `yaml:"page_timeout" env:"EXPORT_PAGE_TIMEOUT" default:"30s"`

	// OutputDir is where exported NDJSON files are written (default: ./export)
	OutputDir string `yaml:"output_dir" env:"EXPORT_OUTPUT_DIR" default:"./export"`
}

// MemoryConfig holds the tiered backpressure thresholds. Each
// threshold is a fraction of LimitBytes; monitoring is disabled when
// LimitBytes is zero.
type MemoryConfig struct {
	// LimitBytes is the available-memory ceiling (default: 0, disabled)
	LimitBytes int64 `yaml:"limit_bytes" env:"MEMORY_LIMIT_BYTES" default:"0"`

	// InfoThreshold logs usage without acting (default: 0.60)
	InfoThreshold float64 `yaml:"info_threshold" env:"MEMORY_INFO_THRESHOLD" default:"0.60"`

	// WarningThreshold triggers a single GC pass (default: 0.70)
	WarningThreshold float64 `yaml:"warning_threshold" env:"MEMORY_WARNING_THRESHOLD" default:"0.70"`

	// CriticalThreshold triggers repeated aggressive GC passes (default: 0.85)
	CriticalThreshold float64 `yaml:"critical_threshold" env:"MEMORY_CRITICAL_THRESHOLD" default:"0.85"`

	// EmergencyThreshold flushes, checkpoints and exits cleanly (default: 0.95)
	EmergencyThreshold float64 `yaml:"emergency_threshold" env:"MEMORY_EMERGENCY_THRESHOLD" default:"0.95"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `yaml:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log output format: text or json (default: text)
	Format string `yaml:"format" env:"LOG_FORMAT" default:"text"`
}

// Validate checks configuration consistency. It is called by Load but
// exposed for synthetic configurations built in tests.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.Database.MaxConns)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Import.BatchSize < 1 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be at least 1, got %d", c.Import.BatchSize)
	}
	if c.Import.MaxRetries < 0 {
		// The retry budget converts to an unsigned count downstream.
		return fmt.Errorf("IMPORT_MAX_RETRIES cannot be negative, got %d", c.Import.MaxRetries)
	}
	if c.Import.CommunityWorkers < 1 {
		return fmt.Errorf("IMPORT_COMMUNITY_WORKERS must be at least 1, got %d", c.Import.CommunityWorkers)
	}
	if c.Import.CorruptThreshold < 0 || c.Import.CorruptThreshold > 1 {
		return fmt.Errorf("IMPORT_CORRUPT_THRESHOLD must be in [0,1], got %g", c.Import.CorruptThreshold)
	}
	if c.Export.PageSize < 1 {
		return fmt.Errorf("EXPORT_PAGE_SIZE must be at least 1, got %d", c.Export.PageSize)
	}
	if c.Export.Workers < 1 {
		return fmt.Errorf("EXPORT_WORKERS must be at least 1, got %d", c.Export.Workers)
	}
	if c.Export.Workers > c.Database.MaxConns {
		// A worker owns one connection for the life of its partition;
		// more workers than connections would starve the pool.
		c.Export.Workers = c.Database.MaxConns
	}
	if c.Export.CheckpointInterval < 1 {
		return fmt.Errorf("EXPORT_CHECKPOINT_INTERVAL must be at least 1, got %d", c.Export.CheckpointInterval)
	}
	return c.Memory.validate()
}

func (m *MemoryConfig) validate() error {
	if m.LimitBytes < 0 {
		return fmt.Errorf("MEMORY_LIMIT_BYTES cannot be negative, got %d", m.LimitBytes)
	}
	if m.LimitBytes == 0 {
		return nil // monitoring disabled, thresholds unused
	}
	ts := []struct {
		name  string
		value float64
	}{
		{"MEMORY_INFO_THRESHOLD", m.InfoThreshold},
		{"MEMORY_WARNING_THRESHOLD", m.WarningThreshold},
		{"MEMORY_CRITICAL_THRESHOLD", m.CriticalThreshold},
		{"MEMORY_EMERGENCY_THRESHOLD", m.EmergencyThreshold},
	}
	prev := 0.0
	for _, t := range ts {
		if t.value <= 0 || t.value > 1 {
			return fmt.Errorf("%s must be in (0,1], got %g", t.name, t.value)
		}
		if t.value <= prev {
			return fmt.Errorf("%s (%g) must exceed the previous tier (%g)", t.name, t.value, prev)
		}
		prev = t.value
	}
	return nil
}

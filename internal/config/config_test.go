package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost/archive", MaxConns: 10, MinConns: 2},
		Import: ImportConfig{
			BatchSize:        5000,
			MaxRetries:       3,
			CommunityWorkers: 1,
			CorruptThreshold: 0.05,
		},
		Export: ExportConfig{PageSize: 1000, Workers: 4, CheckpointInterval: 10},
		Memory: MemoryConfig{
			LimitBytes:         8 << 30,
			InfoThreshold:      0.60,
			WarningThreshold:   0.70,
			CriticalThreshold:  0.85,
			EmergencyThreshold: 0.95,
		},
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/archive")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Import.BatchSize != 5000 {
		t.Errorf("BatchSize = %d, want 5000", cfg.Import.BatchSize)
	}
	if cfg.Export.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Export.Workers)
	}
	if cfg.Memory.EmergencyThreshold != 0.95 {
		t.Errorf("EmergencyThreshold = %g, want 0.95", cfg.Memory.EmergencyThreshold)
	}
	if cfg.Database.MaxConnLifetime != time.Hour {
		t.Errorf("MaxConnLifetime = %v, want 1h", cfg.Database.MaxConnLifetime)
	}
	if cfg.Memory.LimitBytes != 0 {
		t.Errorf("LimitBytes = %d, want 0 (disabled)", cfg.Memory.LimitBytes)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoadAlternateEnvVar(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "postgres://localhost/alt")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/alt" {
		t.Errorf("URL = %q, want DB_URL fallback", cfg.Database.URL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/archive")
	t.Setenv("IMPORT_BATCH_SIZE", "250")
	t.Setenv("MEMORY_LIMIT_BYTES", "1073741824")
	t.Setenv("MEMORY_EMERGENCY_THRESHOLD", "0.90")
	t.Setenv("MEMORY_CRITICAL_THRESHOLD", "0.80")
	t.Setenv("IMPORT_COMMUNITIES", "golang, privacy ,technology")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Import.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want 250", cfg.Import.BatchSize)
	}
	if cfg.Memory.EmergencyThreshold != 0.90 {
		t.Errorf("EmergencyThreshold = %g, want 0.90", cfg.Memory.EmergencyThreshold)
	}
	want := []string{"golang", "privacy", "technology"}
	if len(cfg.Import.Communities) != len(want) {
		t.Fatalf("Communities = %v, want %v", cfg.Import.Communities, want)
	}
	for i, c := range want {
		if cfg.Import.Communities[i] != c {
			t.Errorf("Communities[%d] = %q, want %q", i, cfg.Import.Communities[i], c)
		}
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archiver.yaml")
	content := strings.Join([]string{
		"database:",
		"  url: postgres://localhost/fromfile",
		"import:",
		"  batch_size: 123",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ARCHIVER_CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/fromfile" {
		t.Errorf("URL = %q, want file value", cfg.Database.URL)
	}
	if cfg.Import.BatchSize != 123 {
		t.Errorf("BatchSize = %d, want 123 from file", cfg.Import.BatchSize)
	}

	// Environment still wins over the file.
	t.Setenv("IMPORT_BATCH_SIZE", "999")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Import.BatchSize != 999 {
		t.Errorf("BatchSize = %d, want env override 999", cfg.Import.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: "database URL",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Import.BatchSize = 0 },
			wantErr: "IMPORT_BATCH_SIZE",
		},
		{
			name:    "negative max retries",
			mutate:  func(c *Config) { c.Import.MaxRetries = -1 },
			wantErr: "IMPORT_MAX_RETRIES",
		},
		{
			name:    "min conns above max",
			mutate:  func(c *Config) { c.Database.MinConns = 20 },
			wantErr: "DB_MIN_CONNS",
		},
		{
			name:    "thresholds out of order",
			mutate:  func(c *Config) { c.Memory.CriticalThreshold = 0.65 },
			wantErr: "MEMORY_CRITICAL_THRESHOLD",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Memory.EmergencyThreshold = 1.5 },
			wantErr: "MEMORY_EMERGENCY_THRESHOLD",
		},
		{
			name:    "corrupt threshold out of range",
			mutate:  func(c *Config) { c.Import.CorruptThreshold = 1.5 },
			wantErr: "IMPORT_CORRUPT_THRESHOLD",
		},
		{
			name: "thresholds ignored when monitoring disabled",
			mutate: func(c *Config) {
				c.Memory.LimitBytes = 0
				c.Memory.CriticalThreshold = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClampsExportWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Database.MaxConns = 3
	cfg.Database.MinConns = 1
	cfg.Export.Workers = 8

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Export.Workers != 3 {
		t.Errorf("Workers = %d, want clamp to pool size 3", cfg.Export.Workers)
	}
}

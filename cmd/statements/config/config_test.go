package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/anomaly"
	"statement-reconciliation-service/internal/pipeline"
	"statement-reconciliation-service/internal/reporter"
	"statement-reconciliation-service/pkg/logger"
)

func createTestConfig(t *testing.T) *AppConfig {
	t.Helper()
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	cfg.Storage.Driver = DriverMemory
	cfg.Storage.Objects = ObjectsMemory
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Anomaly.Threshold != anomaly.DefaultThreshold {
		t.Errorf("expected threshold %v, got %v", anomaly.DefaultThreshold, cfg.Anomaly.Threshold)
	}
	if cfg.Validation.TextSource != pipeline.TextSourceAuto {
		t.Errorf("expected auto text source, got %s", cfg.Validation.TextSource)
	}
	if cfg.Ledger.Staleness <= 0 {
		t.Error("expected squashed sync config to carry a staleness default")
	}
	if cfg.Report.Format != reporter.FormatConsole {
		t.Errorf("expected console report format, got %s", cfg.Report.Format)
	}
	if cfg.OCR.MaxResults != 1000 {
		t.Errorf("expected max results 1000, got %d", cfg.OCR.MaxResults)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "statements.yaml")
	content := `
storage:
  driver: memory
  objects: memory
anomaly:
  method: zscore
  zscore_z: 2.5
ledger:
  base_url: https://ledger.example.com
  staleness: 10m
  tenants: [tenant-a, tenant-b]
pipeline:
  workers: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Anomaly.Method != anomaly.MethodZScore || cfg.Anomaly.ZScoreZ != 2.5 {
		t.Errorf("unexpected anomaly config: %+v", cfg.Anomaly)
	}
	if cfg.Ledger.Staleness != 10*time.Minute {
		t.Errorf("expected 10m staleness, got %s", cfg.Ledger.Staleness)
	}
	if len(cfg.Ledger.Tenants) != 2 {
		t.Errorf("expected 2 tenants, got %v", cfg.Ledger.Tenants)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Pipeline.Workers)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("STATEMENTS_PIPELINE_WORKERS", "8")
	t.Setenv("STATEMENTS_STORAGE_DRIVER", "memory")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("expected 8 workers from env, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("expected memory driver from env, got %s", cfg.Storage.Driver)
	}
}

func TestLoad_LoggingProfile(t *testing.T) {
	t.Setenv("STATEMENTS_LOGGING_PROFILE", "production")
	t.Setenv("STATEMENTS_LOGGING_LEVEL", "warn")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Format != logger.JSONFormat || cfg.Logging.Output != logger.FileOutput {
		t.Errorf("expected production json file logging, got %+v", cfg.Logging)
	}
	if cfg.Logging.File != "statements.log" {
		t.Errorf("expected production log file, got %q", cfg.Logging.File)
	}
	if cfg.Logging.Level != logger.WarnLevel {
		t.Errorf("expected explicit level to override the profile, got %s", cfg.Logging.Level)
	}
}

func TestLoad_UnknownLoggingProfile(t *testing.T) {
	t.Setenv("STATEMENTS_LOGGING_PROFILE", "chatty")

	if _, err := Load(viper.New(), ""); err == nil {
		t.Fatal("expected error for unknown logging profile")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *AppConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(cfg *AppConfig) {}},
		{
			name:    "unknown driver",
			mutate:  func(cfg *AppConfig) { cfg.Storage.Driver = "mysql" },
			wantErr: "storage.driver",
		},
		{
			name: "sqlite without dsn",
			mutate: func(cfg *AppConfig) {
				cfg.Storage.Driver = DriverSQLite
				cfg.Storage.DSN = ""
			},
			wantErr: "storage.dsn",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(cfg *AppConfig) { cfg.Storage.Objects = ObjectsS3 },
			wantErr: "storage.bucket",
		},
		{
			name:    "negative threshold",
			mutate:  func(cfg *AppConfig) { cfg.Anomaly.Threshold = -1 },
			wantErr: "anomaly.threshold",
		},
		{
			name:    "zscore without z",
			mutate:  func(cfg *AppConfig) { cfg.Anomaly.Method = anomaly.MethodZScore },
			wantErr: "zscore_z",
		},
		{
			name:    "unknown text source",
			mutate:  func(cfg *AppConfig) { cfg.Validation.TextSource = "scanner" },
			wantErr: "text_source",
		},
		{
			name:    "empty validation field",
			mutate:  func(cfg *AppConfig) { cfg.Validation.Field = " " },
			wantErr: "validation.field",
		},
		{
			name:    "zero workers",
			mutate:  func(cfg *AppConfig) { cfg.Pipeline.Workers = 0 },
			wantErr: "pipeline.workers",
		},
		{
			name:    "bad poll config",
			mutate:  func(cfg *AppConfig) { cfg.OCR.Multiplier = 0.5 },
			wantErr: "ocr",
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *AppConfig) { cfg.Logging.Level = "loud" },
			wantErr: "logging",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPipelineOptions(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Anomaly.Remove = true
	cfg.Validation.Enabled = false

	opts := cfg.PipelineOptions()
	if opts.Validate {
		t.Error("expected validation disabled")
	}
	if !opts.Anomaly.Remove {
		t.Error("expected anomaly removal to carry over")
	}
	if opts.Anomaly.Threshold != cfg.Anomaly.Threshold {
		t.Errorf("expected threshold %v, got %v", cfg.Anomaly.Threshold, opts.Anomaly.Threshold)
	}
	if !opts.Persist {
		t.Error("expected persist enabled by default")
	}
}

func TestReportConfigOverride(t *testing.T) {
	cfg := createTestConfig(t)

	rc := cfg.ReportConfig("json")
	if rc.Format != reporter.FormatJSON {
		t.Errorf("expected json format, got %s", rc.Format)
	}
	if cfg.Report.Format != reporter.FormatConsole {
		t.Error("override must not change the loaded config")
	}
	if rc := cfg.ReportConfig(""); rc.Format != reporter.FormatConsole {
		t.Errorf("expected console format, got %s", rc.Format)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("STATEMENTS_TEST_DOTENV=loaded\n"), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("STATEMENTS_TEST_DOTENV") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("STATEMENTS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("expected variable from .env, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "absent.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestNewServices_Memory(t *testing.T) {
	cfg := createTestConfig(t)

	svc, err := NewServices(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer svc.Close()

	if svc.Processor == nil || svc.Cache == nil || svc.Matcher == nil {
		t.Fatal("expected processor, cache and matcher to be wired")
	}
	if svc.Sync != nil {
		t.Error("expected no sync service without a ledger base URL")
	}
	if _, err := svc.RequireSync(); err == nil {
		t.Error("expected RequireSync to fail without ledger config")
	}
}

func TestNewServices_SQLiteAndLedger(t *testing.T) {
	dir := t.TempDir()
	cfg := createTestConfig(t)
	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.DSN = filepath.Join(dir, "statements.db")
	cfg.Storage.Objects = ObjectsLocal
	cfg.Storage.Root = filepath.Join(dir, "objects")
	cfg.Ledger.BaseURL = "http://127.0.0.1:1"

	svc, err := NewServices(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer svc.Close()

	if _, err := os.Stat(cfg.Storage.DSN); err != nil {
		t.Errorf("expected sqlite database to be created: %v", err)
	}
	if _, err := svc.RequireSync(); err != nil {
		t.Errorf("expected sync service, got %v", err)
	}
}

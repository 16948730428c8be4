// Package config loads the service configuration and wires the services the
// commands run on.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"statement-reconciliation-service/internal/anomaly"
	"statement-reconciliation-service/internal/ledger"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/ocr"
	"statement-reconciliation-service/internal/pipeline"
	"statement-reconciliation-service/internal/reporter"
	"statement-reconciliation-service/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g. STATEMENTS_STORAGE_DRIVER.
const EnvPrefix = "STATEMENTS"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ObjectsMemory = "memory"
	ObjectsLocal  = "local"
	ObjectsS3     = "s3"
)

// StorageConfig selects the stores.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Objects  string `mapstructure:"objects"`
	Root     string `mapstructure:"root"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
}

// AWSConfig configures the AWS clients.
type AWSConfig struct {
	Region string `mapstructure:"region"`
}

// OCRConfig tunes Textract polling.
type OCRConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxResults   int32         `mapstructure:"max_results"`
}

// AnomalyConfig tunes outlier flagging.
type AnomalyConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Threshold     float64 `mapstructure:"threshold"`
	Method        string  `mapstructure:"method"`
	ZScoreZ       float64 `mapstructure:"zscore_z"`
	Remove        bool    `mapstructure:"remove"`
	OneBasedIndex bool    `mapstructure:"one_based_index"`
}

// ValidationConfig tunes the reference round-trip.
type ValidationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Field      string `mapstructure:"field"`
	TextSource string `mapstructure:"text_source"`
}

// LedgerConfig points at the accounting API and tunes the sync.
type LedgerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Tenants           []string      `mapstructure:"tenants"`
	ledger.SyncConfig `mapstructure:",squash"`
}

// PipelineConfig tunes statement processing.
type PipelineConfig struct {
	Workers int  `mapstructure:"workers"`
	Persist bool `mapstructure:"persist"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AppConfig is the complete service configuration.
type AppConfig struct {
	Storage    StorageConfig         `mapstructure:"storage"`
	AWS        AWSConfig             `mapstructure:"aws"`
	OCR        OCRConfig             `mapstructure:"ocr"`
	Anomaly    AnomalyConfig         `mapstructure:"anomaly"`
	Validation ValidationConfig      `mapstructure:"validation"`
	Ledger     LedgerConfig          `mapstructure:"ledger"`
	Pipeline   PipelineConfig        `mapstructure:"pipeline"`
	Logging    logger.Config         `mapstructure:"logging"`
	Server     ServerConfig          `mapstructure:"server"`
	Report     reporter.ReportConfig `mapstructure:"report"`
}

// SetDefaults registers every key with its default so environment
// overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	poll := ocr.DefaultPollConfig()
	sync := ledger.DefaultSyncConfig()
	report := reporter.DefaultReportConfig()
	logs := logger.DefaultConfig()

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.dsn", "data/statements.db")
	v.SetDefault("storage.objects", ObjectsLocal)
	v.SetDefault("storage.root", "data/objects")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.endpoint", "")

	v.SetDefault("aws.region", "eu-west-2")

	v.SetDefault("ocr.timeout", poll.Timeout)
	v.SetDefault("ocr.initial_delay", poll.InitialDelay)
	v.SetDefault("ocr.multiplier", poll.Multiplier)
	v.SetDefault("ocr.max_delay", poll.MaxDelay)
	v.SetDefault("ocr.max_results", poll.MaxResults)

	v.SetDefault("anomaly.enabled", true)
	v.SetDefault("anomaly.threshold", anomaly.DefaultThreshold)
	v.SetDefault("anomaly.method", "")
	v.SetDefault("anomaly.zscore_z", 0.0)
	v.SetDefault("anomaly.remove", false)
	v.SetDefault("anomaly.one_based_index", false)

	v.SetDefault("validation.enabled", true)
	v.SetDefault("validation.field", models.FieldNumber)
	v.SetDefault("validation.text_source", pipeline.TextSourceAuto)

	v.SetDefault("ledger.base_url", "")
	v.SetDefault("ledger.token", "")
	v.SetDefault("ledger.timeout", 30*time.Second)
	v.SetDefault("ledger.tenants", []string{})
	v.SetDefault("ledger.staleness", sync.Staleness)
	v.SetDefault("ledger.rate_limit", sync.RateLimit)
	v.SetDefault("ledger.burst", sync.Burst)
	v.SetDefault("ledger.page_size", sync.PageSize)
	v.SetDefault("ledger.refresh_interval", sync.RefreshInterval)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.persist", true)

	v.SetDefault("logging.profile", "")
	setLoggingDefaults(v, logs)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("report.format", string(report.Format))
	v.SetDefault("report.include_items", report.IncludeItems)
	v.SetDefault("report.include_row_flags", report.IncludeRowFlags)
	v.SetDefault("report.include_matched", report.IncludeMatched)
	v.SetDefault("report.include_unused", report.IncludeUnused)
	v.SetDefault("report.include_durations", report.IncludeDurations)
	v.SetDefault("report.max_items", report.MaxItems)
	v.SetDefault("report.csv_delimiter", report.CSVDelimiter)
	v.SetDefault("report.csv_headers", report.CSVHeaders)
}

// setLoggingDefaults makes base the fallback for every logging key.
func setLoggingDefaults(v *viper.Viper, base *logger.Config) {
	v.SetDefault("logging.level", string(base.Level))
	v.SetDefault("logging.format", string(base.Format))
	v.SetDefault("logging.output", string(base.Output))
	v.SetDefault("logging.file", base.File)
	v.SetDefault("logging.disable_timestamp", base.DisableTimestamp)
	v.SetDefault("logging.caller_info", base.CallerInfo)
}

// LoadDotEnv loads path into the environment when the file exists. Variables
// already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load prepares v with defaults and environment overrides, reads cfgFile
// when set and decodes the result.
func Load(v *viper.Viper, cfgFile string) (*AppConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
		}
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if profile := v.GetString("logging.profile"); profile != "" {
		base, err := logger.ProfileConfig(profile)
		if err != nil {
			return nil, fmt.Errorf("invalid logging config: %w", err)
		}
		setLoggingDefaults(v, base)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid storage.driver %q: use memory, sqlite or postgres", c.Storage.Driver)
	}

	switch c.Storage.Objects {
	case ObjectsMemory:
	case ObjectsLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for local objects")
		}
	case ObjectsS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for s3 objects")
		}
		if c.AWS.Region == "" {
			return fmt.Errorf("aws.region is required for s3 objects")
		}
	default:
		return fmt.Errorf("invalid storage.objects %q: use memory, local or s3", c.Storage.Objects)
	}

	if err := c.PollConfig().Validate(); err != nil {
		return fmt.Errorf("invalid ocr config: %w", err)
	}

	if c.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly.threshold cannot be negative: %v", c.Anomaly.Threshold)
	}
	switch c.Anomaly.Method {
	case "", "mad":
	case anomaly.MethodZScore:
		if c.Anomaly.ZScoreZ <= 0 {
			return fmt.Errorf("anomaly.zscore_z must be positive with method zscore")
		}
	default:
		return fmt.Errorf("invalid anomaly.method %q", c.Anomaly.Method)
	}

	if c.Validation.Enabled && strings.TrimSpace(c.Validation.Field) == "" {
		return fmt.Errorf("validation.field is required when validation is enabled")
	}
	switch c.Validation.TextSource {
	case "", pipeline.TextSourceAuto, pipeline.TextSourcePDF, pipeline.TextSourceOCR:
	default:
		return fmt.Errorf("invalid validation.text_source %q: use auto, pdf or ocr", c.Validation.TextSource)
	}

	if err := c.Ledger.SyncConfig.Validate(); err != nil {
		return fmt.Errorf("invalid ledger config: %w", err)
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if err := c.Report.Validate(); err != nil {
		return fmt.Errorf("invalid report config: %w", err)
	}
	return nil
}

// PollConfig is the OCR polling configuration.
func (c *AppConfig) PollConfig() ocr.PollConfig {
	return ocr.PollConfig{
		InitialDelay: c.OCR.InitialDelay,
		Multiplier:   c.OCR.Multiplier,
		MaxDelay:     c.OCR.MaxDelay,
		Timeout:      c.OCR.Timeout,
		MaxResults:   c.OCR.MaxResults,
	}
}

// PipelineOptions maps the validation, anomaly and pipeline sections.
func (c *AppConfig) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Validate:        c.Validation.Enabled,
		ValidationField: c.Validation.Field,
		TextSource:      c.Validation.TextSource,
		DetectAnomalies: c.Anomaly.Enabled,
		Anomaly: anomaly.Options{
			Remove:          c.Anomaly.Remove,
			OneBasedIndex:   c.Anomaly.OneBasedIndex,
			Threshold:       c.Anomaly.Threshold,
			ThresholdMethod: c.Anomaly.Method,
			ZScoreZ:         c.Anomaly.ZScoreZ,
		},
		Persist: c.Pipeline.Persist,
	}
}

// ReportConfig returns the report settings with format overridden when set.
func (c *AppConfig) ReportConfig(format string) *reporter.ReportConfig {
	rc := c.Report
	if format != "" {
		rc.Format = reporter.OutputFormat(format)
	}
	if rc.CSVDelimiter == 0 {
		rc.CSVDelimiter = ','
	}
	return &rc
}

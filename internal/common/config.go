package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Retry       RetryConfig       `toml:"retry"`
	Renderer    RendererConfig    `toml:"renderer"`
	DataSources DataSourcesConfig `toml:"datasources"`
	Contracts   ContractsConfig   `toml:"contracts"`
	Notify      NotifyConfig      `toml:"notify"`
	Progress    ProgressConfig    `toml:"progress"`
	Schedules   []ScheduleConfig  `toml:"schedules" validate:"dive"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Output OutputConfig `toml:"output"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// OutputConfig is where rendered artifacts and manifest files are written
type OutputConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`                  // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency" validate:"gte=1"`   // Max concurrent jobs across the worker pool
	VisibilityTimeout string `toml:"visibility_timeout"`             // e.g., "10m" - redelivery window for a claimed job
	MaxReceive        int    `toml:"max_receive" validate:"gte=1"`   // Max deliveries before a message is dropped
	QueueName         string `toml:"queue_name" validate:"required"` // Queue name prefix in Badger
}

// PipelineConfig controls per-job batch execution
type PipelineConfig struct {
	BatchConcurrency int    `toml:"batch_concurrency" validate:"gte=1"` // Batches rendered in parallel within one job
	FailFast         bool   `toml:"fail_fast"`                          // Stop a job at the first batch error
	FailAtStep       string `toml:"fail_at_step"`                       // Chaos hook: inject a failure at the named step
}

// RetryConfig is the backoff policy for transient job failures
type RetryConfig struct {
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
	MaxAttempts int    `toml:"max_attempts" validate:"gte=1"`
}

// RendererConfig configures the format adapters
type RendererConfig struct {
	Timeout    string  `toml:"timeout"`                                     // Per-render timeout, e.g. "60s"
	PDFEngine  string  `toml:"pdf_engine" validate:"oneof=chromedp native"` // "chromedp" or "native"
	ChromePath string  `toml:"chrome_path"`                                 // Optional browser binary
	RateLimit  float64 `toml:"rate_limit" validate:"gte=0"`                 // Renders per second across all jobs, 0 = unlimited
	Burst      int     `toml:"burst" validate:"gte=0"`
	VerifyPDF  bool    `toml:"verify_pdf"` // Validate produced PDFs with pdfcpu
}

// DataSourcesConfig holds the named connections reports query against
type DataSourcesConfig struct {
	MaxConcurrentQueries int                         `toml:"max_concurrent_queries" validate:"gte=1"` // Per connection, shared by all jobs
	QueryTimeout         string                      `toml:"query_timeout"`
	Connections          map[string]ConnectionConfig `toml:"connections" validate:"dive"`
}

type ConnectionConfig struct {
	Driver string `toml:"driver" validate:"oneof=postgres memory"`
	DSN    string `toml:"dsn"`  // postgres connection string
	Path   string `toml:"path"` // memory driver: JSON fixture file
}

type ContractsConfig struct {
	Dir string `toml:"dir"` // Directory containing contract files (TOML/YAML) and templates
}

type NotifyConfig struct {
	Enabled     bool       `toml:"enabled"`
	MaxAttempts int        `toml:"max_attempts"`
	SMTP        SMTPConfig `toml:"smtp"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

type ProgressConfig struct {
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig mirrors progress events to a Redis stream when enabled
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Stream   string `toml:"stream"`
}

// ScheduleConfig is a recurring report definition
type ScheduleConfig struct {
	Name         string            `toml:"name" validate:"required"`
	Cron         string            `toml:"cron" validate:"required"`
	TemplateID   string            `toml:"template_id" validate:"required"`
	ConnectionID string            `toml:"connection_id" validate:"required"`
	Formats      []string          `toml:"formats" validate:"required,min=1,dive,oneof=html pdf docx xlsx"`
	LookbackDays int               `toml:"lookback_days" validate:"gte=0"`
	KeyFilters   map[string]string `toml:"key_filters"`
	Recipients   []string          `toml:"recipients" validate:"dive,email"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
	Dir        string   `toml:"dir"`         // Log directory, defaults to ./logs next to the executable
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Output: OutputConfig{
				Dir: "./output",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "10m",
			MaxReceive:        5,
			QueueName:         "neurareport_jobs",
		},
		Pipeline: PipelineConfig{
			BatchConcurrency: 2,
		},
		Retry: RetryConfig{
			BaseDelay:   "2s",
			MaxDelay:    "60s",
			MaxAttempts: 3,
		},
		Renderer: RendererConfig{
			Timeout:   "60s",
			PDFEngine: "chromedp",
			RateLimit: 0,
			Burst:     1,
			VerifyPDF: true,
		},
		DataSources: DataSourcesConfig{
			MaxConcurrentQueries: 4,
			QueryTimeout:         "30s",
			Connections:          map[string]ConnectionConfig{},
		},
		Contracts: ContractsConfig{
			Dir: "./contracts",
		},
		Notify: NotifyConfig{
			Enabled:     false,
			MaxAttempts: 3,
			SMTP: SMTPConfig{
				Port: 587,
			},
		},
		Progress: ProgressConfig{
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "neurareport_progress",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. A .env file in the working directory is loaded
// into the process environment before overrides are applied.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Missing .env is the normal case
	_ = godotenv.Load()

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NEURAREPORT_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("NEURAREPORT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("NEURAREPORT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("NEURAREPORT_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if outputDir := os.Getenv("NEURAREPORT_OUTPUT_DIR"); outputDir != "" {
		config.Storage.Output.Dir = outputDir
	}

	// Queue configuration
	if concurrency := os.Getenv("NEURAREPORT_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("NEURAREPORT_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}

	// Renderer configuration
	if engine := os.Getenv("NEURAREPORT_PDF_ENGINE"); engine != "" {
		config.Renderer.PDFEngine = engine
	}
	if chromePath := os.Getenv("NEURAREPORT_CHROME_PATH"); chromePath != "" {
		config.Renderer.ChromePath = chromePath
	}

	// Notification credentials are usually injected via .env
	if host := os.Getenv("NEURAREPORT_SMTP_HOST"); host != "" {
		config.Notify.SMTP.Host = host
	}
	if user := os.Getenv("NEURAREPORT_SMTP_USERNAME"); user != "" {
		config.Notify.SMTP.Username = user
	}
	if pass := os.Getenv("NEURAREPORT_SMTP_PASSWORD"); pass != "" {
		config.Notify.SMTP.Password = pass
	}

	if addr := os.Getenv("NEURAREPORT_REDIS_ADDR"); addr != "" {
		config.Progress.Redis.Addr = addr
		config.Progress.Redis.Enabled = true
	}

	// Logging configuration
	if level := os.Getenv("NEURAREPORT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("NEURAREPORT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks struct constraints plus the cron and duration fields
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for name, value := range map[string]string{
		"queue.poll_interval":       c.Queue.PollInterval,
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"retry.base_delay":          c.Retry.BaseDelay,
		"retry.max_delay":           c.Retry.MaxDelay,
		"renderer.timeout":          c.Renderer.Timeout,
		"datasources.query_timeout": c.DataSources.QueryTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	for _, schedule := range c.Schedules {
		if err := ValidateSchedule(schedule.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", schedule.Name, err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDurationOr parses a duration string, returning fallback when empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

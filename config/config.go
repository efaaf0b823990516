package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jupark12/docflow/retry"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Stream    StreamConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Extractor ExtractorConfig
	Log       LogConfig

	ErrorAnalysis bool
}

type ServerConfig struct {
	HTTPAddr       string
	GRPCHealthAddr string
	UploadDir      string
	MaxUploadBytes int64
}

type SchedulerConfig struct {
	MaxConcurrentJobs int
	PageConcurrency   int
	JobRetention      time.Duration
	CleanupInterval   time.Duration
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Backoff    string
}

type StreamConfig struct {
	MaxDuration      time.Duration
	SubscriberBuffer int
	KeepAlive        time.Duration
}

// StoreConfig selects where the period roster lives: file, sqlite, postgres
// or memory.
type StoreConfig struct {
	Kind       string
	DataDir    string
	PeriodFile string
	SQLitePath string
}

type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// ExtractorConfig selects the page extractor: http or pdftext.
type ExtractorConfig struct {
	Kind        string
	URL         string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads .env when present and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	dataDir := getEnv("DATA_DIR", ".data")
	return &Config{
		Server: ServerConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
			GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
			UploadDir:      getEnv("UPLOAD_DIR", ".uploads"),
			MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_MB", 50)) << 20,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: getEnvAsInt("MAX_CONCURRENT_JOBS", 3),
			PageConcurrency:   getEnvAsInt("PAGE_CONCURRENCY", 4),
			JobRetention:      getEnvAsDuration("JOB_RETENTION", 24*time.Hour),
			CleanupInterval:   getEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
		},
		Retry: RetryConfig{
			MaxRetries: getEnvAsInt("MAX_RETRIES", retry.DefaultMaxRetries),
			BaseDelay:  getEnvAsDuration("RETRY_BASE_DELAY", retry.DefaultBaseDelay),
			MaxDelay:   getEnvAsDuration("RETRY_MAX_DELAY", retry.DefaultMaxDelay),
			Backoff:    getEnv("RETRY_BACKOFF", string(retry.BackoffExponential)),
		},
		Stream: StreamConfig{
			MaxDuration:      getEnvAsDuration("STREAM_MAX_DURATION", 30*time.Minute),
			SubscriberBuffer: getEnvAsInt("SUBSCRIBER_BUFFER", 16),
			KeepAlive:        getEnvAsDuration("STREAM_KEEPALIVE", 15*time.Second),
		},
		Store: StoreConfig{
			Kind:       strings.ToLower(getEnv("PERIOD_STORE", "file")),
			DataDir:    dataDir,
			PeriodFile: getEnv("PERIOD_FILE", filepath.Join(dataDir, "periods.json")),
			SQLitePath: getEnv("SQLITE_PATH", filepath.Join(dataDir, "periods.db")),
		},
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "docflow:progress"),
		},
		Extractor: ExtractorConfig{
			Kind:        strings.ToLower(getEnv("EXTRACTOR", "pdftext")),
			URL:         getEnv("EXTRACTOR_URL", ""),
			APIKey:      getEnv("EXTRACTOR_API_KEY", ""),
			Model:       getEnv("EXTRACTOR_MODEL", ""),
			Temperature: getEnvAsFloat32("EXTRACTOR_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("EXTRACTOR_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		ErrorAnalysis: getEnvAsBool("ERROR_ANALYSIS_ENABLED", false),
	}
}

// Validate checks ranges and the settings each selected backend needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.Scheduler.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Scheduler.MaxConcurrentJobs))
	}
	if c.Scheduler.PageConcurrency < 1 {
		errs = append(errs, fmt.Errorf("PAGE_CONCURRENCY must be at least 1, got %d", c.Scheduler.PageConcurrency))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if _, err := retry.ParseBackoff(c.Retry.Backoff); err != nil {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF: %w", err))
	}
	if c.Stream.MaxDuration <= 0 {
		errs = append(errs, errors.New("STREAM_MAX_DURATION must be positive"))
	}
	if c.Stream.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("SUBSCRIBER_BUFFER must be at least 1"))
	}

	switch c.Store.Kind {
	case "file", "sqlite", "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("DB_URL is required when PERIOD_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PERIOD_STORE %q", c.Store.Kind))
	}

	switch c.Extractor.Kind {
	case "pdftext":
	case "http":
		if c.Extractor.URL == "" {
			errs = append(errs, errors.New("EXTRACTOR_URL is required when EXTRACTOR=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EXTRACTOR %q", c.Extractor.Kind))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

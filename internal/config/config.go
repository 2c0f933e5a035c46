package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the application configuration for the sync client and CLI.
type Config struct {
	API     APIConfig     `toml:"api"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// APIConfig holds job API endpoints and auth settings.
type APIConfig struct {
	BaseURL      string   `toml:"base_url"`
	AppURL       string   `toml:"app_url"`
	ProbeURL     string   `toml:"probe_url"`
	TechnicianID string   `toml:"technician_id"`
	DeviceID     string   `toml:"device_id"`
	TokenSecret  string   `toml:"token_secret"`
	TokenTTL     duration `toml:"token_ttl"`
}

// StorageConfig holds SQLite file paths. The three stores may share a file;
// separate files keep a corrupted page cache from taking the queue with it.
type StorageConfig struct {
	QueuePath     string `toml:"queue_path"`
	JobCachePath  string `toml:"job_cache_path"`
	PageCachePath string `toml:"page_cache_path"`
}

// SyncConfig holds queue and drain tuning.
type SyncConfig struct {
	MaxRetries         int      `toml:"max_retries"`
	UploadLimitMiB     int64    `toml:"upload_limit_mib"`
	DrainInterval      duration `toml:"drain_interval"`
	ProbeInterval      duration `toml:"probe_interval"`
	ProbeTimeout       duration `toml:"probe_timeout"`
	PrecacheRetryDelay duration `toml:"precache_retry_delay"`
	PageMaxAge         duration `toml:"page_max_age"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration accepts Go duration strings in TOML, e.g. "30s" or "168h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			TokenTTL: duration{1 * time.Hour},
		},
		Storage: StorageConfig{
			QueuePath:     "fieldsync-queue.db",
			JobCachePath:  "fieldsync-jobs.db",
			PageCachePath: "fieldsync-pages.db",
		},
		Sync: SyncConfig{
			MaxRetries:         3,
			UploadLimitMiB:     200,
			DrainInterval:      duration{60 * time.Second},
			ProbeInterval:      duration{30 * time.Second},
			ProbeTimeout:       duration{3 * time.Second},
			PrecacheRetryDelay: duration{2 * time.Second},
			PageMaxAge:         duration{7 * 24 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads configuration with defaults overridden by the TOML file at
// configPath. An empty path returns defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}
	return LoadFromFile(configPath)
}

// LoadFromFile loads configuration from a TOML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url must be specified")
	}
	if c.API.TechnicianID == "" {
		return fmt.Errorf("api technician_id must be specified")
	}
	if c.Storage.QueuePath == "" {
		return fmt.Errorf("storage queue_path must be specified")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync max_retries must be positive")
	}
	if c.Sync.DrainInterval.Duration <= 0 {
		return fmt.Errorf("sync drain_interval must be positive")
	}
	if c.Sync.ProbeInterval.Duration <= 0 {
		return fmt.Errorf("sync probe_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	return nil
}

// NewLogger builds a slog.Logger per the logging settings, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the entire application configuration
type Config struct {
	Download DownloadConfig `mapstructure:"download"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DownloadConfig contains download engine settings
type DownloadConfig struct {
	DestDir             string `mapstructure:"dest_dir"`
	ChunkSizeMB         int    `mapstructure:"chunk_size_mb"`
	ConnectTimeout      string `mapstructure:"connect_timeout"`
	MaxRetries          int    `mapstructure:"max_retries"`
	MinValidSizeMB      int    `mapstructure:"min_valid_size_mb"`
	RetryBackoff        string `mapstructure:"retry_backoff"`
	ProgressInterval    string `mapstructure:"progress_interval"`
	ConcurrentDownloads int    `mapstructure:"concurrent_downloads"`
	StalePartMaxAge     string `mapstructure:"stale_part_max_age"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig contains task history database settings
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Load loads configuration from the specified file path. A missing file is
// not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set defaults
	v.SetDefault("download.dest_dir", ".")
	v.SetDefault("download.chunk_size_mb", 5)
	v.SetDefault("download.connect_timeout", "30s")
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.min_valid_size_mb", 0)
	v.SetDefault("download.retry_backoff", "2s")
	v.SetDefault("download.progress_interval", "500ms")
	v.SetDefault("download.concurrent_downloads", 1)
	v.SetDefault("download.stale_part_max_age", "168h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			// No config file, run on defaults
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.ChunkSizeMB <= 0 {
		return fmt.Errorf("download.chunk_size_mb must be positive")
	}
	if c.Download.MaxRetries < 1 {
		return fmt.Errorf("download.max_retries must be at least 1")
	}
	if c.Download.MinValidSizeMB < 0 {
		return fmt.Errorf("download.min_valid_size_mb must not be negative")
	}
	if c.Download.ConcurrentDownloads < 1 || c.Download.ConcurrentDownloads > 10 {
		return fmt.Errorf("download.concurrent_downloads must be between 1 and 10")
	}

	if _, err := time.ParseDuration(c.Download.ConnectTimeout); err != nil {
		return fmt.Errorf("invalid download.connect_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Download.RetryBackoff); err != nil {
		return fmt.Errorf("invalid download.retry_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Download.ProgressInterval); err != nil {
		return fmt.Errorf("invalid download.progress_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Download.StalePartMaxAge); err != nil {
		return fmt.Errorf("invalid download.stale_part_max_age: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

// GetChunkSize returns the flush threshold in bytes
func (c *DownloadConfig) GetChunkSize() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// GetMinValidSize returns the minimum valid final file size in bytes
func (c *DownloadConfig) GetMinValidSize() int64 {
	return int64(c.MinValidSizeMB) * 1024 * 1024
}

// GetConnectTimeout returns the connect timeout as time.Duration
func (c *DownloadConfig) GetConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(c.ConnectTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetRetryBackoff returns the base retry backoff as time.Duration
func (c *DownloadConfig) GetRetryBackoff() time.Duration {
	d, _ := time.ParseDuration(c.RetryBackoff)
	if d == 0 {
		return 2 * time.Second
	}
	return d
}

// GetProgressInterval returns the progress throttle interval as time.Duration
func (c *DownloadConfig) GetProgressInterval() time.Duration {
	d, _ := time.ParseDuration(c.ProgressInterval)
	if d == 0 {
		return 500 * time.Millisecond
	}
	return d
}

// GetStalePartMaxAge returns the stale part file age as time.Duration
func (c *DownloadConfig) GetStalePartMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.StalePartMaxAge)
	if d == 0 {
		return 7 * 24 * time.Hour
	}
	return d
}

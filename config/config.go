package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
)

// Config holds all configuration values for a download run
type Config struct {
	Dataset           string        // built-in dataset name
	DatasetFile       string        // YAML dataset definition, wins over Dataset
	Directory         string        // download root
	Workers           int           // tasks in flight per phase
	Groups            []string      // groups to fetch, empty means the enabled ones
	ExistingFiles     string        // overwrite or skip
	AllowPartial      bool          // exit 0 even when some tasks failed
	ExportURL         string        // Drive export endpoint
	RetryAttempts     int           // extra attempts for retryable fetch failures
	InactivityTimeout time.Duration // 0 disables the watchdog
	NoProgress        bool          // disable progress bars
	LogLevel          string        // DEBUG, INFO, WARN, ERROR, FATAL
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Dataset:       "celeba",
		Workers:       1,
		ExistingFiles: downloader.ExistingOverwrite.String(),
		ExportURL:     downloader.DefaultExportURL,
		LogLevel:      "INFO",
	}
}

// LoadConfig loads the configuration from a .env file and environment variables
// Values not set fall back to Default; the result still needs Validate
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	validator := NewEnvValidator()
	if err := validator.ValidateFormats(); err != nil {
		return nil, fmt.Errorf("environment validation failed: %w", err)
	}

	cfg := Default()
	cfg.Dataset = validator.GetString(EnvDataset, cfg.Dataset)
	cfg.DatasetFile = validator.GetString(EnvDatasetFile, cfg.DatasetFile)
	cfg.Directory = validator.GetString(EnvDownloadDir, cfg.Directory)
	cfg.Groups = validator.GetList(EnvGroups)
	cfg.ExistingFiles = validator.GetString(EnvExistingFiles, cfg.ExistingFiles)
	cfg.ExportURL = validator.GetString(EnvExportURL, cfg.ExportURL)
	cfg.LogLevel = strings.ToUpper(validator.GetString(EnvLogLevel, cfg.LogLevel))

	// Formats were validated above
	cfg.Workers, _ = validator.GetInt(EnvWorkers, cfg.Workers)
	cfg.RetryAttempts, _ = validator.GetInt(EnvRetryAttempts, cfg.RetryAttempts)
	cfg.AllowPartial, _ = validator.GetBool(EnvAllowPartial, cfg.AllowPartial)
	cfg.NoProgress, _ = validator.GetBool(EnvNoProgress, cfg.NoProgress)
	cfg.InactivityTimeout, _ = validator.GetDuration(EnvInactivityTimeout, cfg.InactivityTimeout)

	return &cfg, nil
}

// Validate performs additional validation on the loaded configuration
func (c *Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("download directory is required, set %s or pass -d", EnvDownloadDir)
	}

	if c.Dataset == "" && c.DatasetFile == "" {
		return fmt.Errorf("a dataset is required, set %s or %s", EnvDataset, EnvDatasetFile)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be a positive integer, got: %d", c.Workers)
	}

	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative, got: %d", c.RetryAttempts)
	}

	if c.InactivityTimeout < 0 {
		return fmt.Errorf("inactivity timeout cannot be negative, got: %s", c.InactivityTimeout)
	}

	if _, err := c.ExistingPolicy(); err != nil {
		return err
	}

	u, err := url.Parse(c.ExportURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid export URL: %q", c.ExportURL)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
		"FATAL": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s. Valid levels are: DEBUG, INFO, WARN, ERROR, FATAL", c.LogLevel)
	}

	return nil
}

// ExistingPolicy parses ExistingFiles
func (c *Config) ExistingPolicy() (downloader.ExistingPolicy, error) {
	return downloader.ParseExistingPolicy(c.ExistingFiles)
}

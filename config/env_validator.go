package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Environment variable names
const (
	EnvDataset           = "DATASET"
	EnvDatasetFile       = "DATASET_FILE"
	EnvDownloadDir       = "DOWNLOAD_DIR"
	EnvWorkers           = "WORKERS"
	EnvGroups            = "GROUPS"
	EnvExistingFiles     = "EXISTING_FILES"
	EnvAllowPartial      = "ALLOW_PARTIAL"
	EnvExportURL         = "EXPORT_URL"
	EnvRetryAttempts     = "RETRY_ATTEMPTS"
	EnvInactivityTimeout = "INACTIVITY_TIMEOUT"
	EnvNoProgress        = "NO_PROGRESS"
	EnvLogLevel          = "LOG_LEVEL"
)

var (
	intVars      = []string{EnvWorkers, EnvRetryAttempts}
	boolVars     = []string{EnvAllowPartial, EnvNoProgress}
	durationVars = []string{EnvInactivityTimeout}
)

// EnvValidator reads typed configuration values from environment variables
type EnvValidator struct {
	lookup func(string) (string, bool)
}

// NewEnvValidator creates a new environment validator instance
func NewEnvValidator() *EnvValidator {
	return &EnvValidator{lookup: os.LookupEnv}
}

// ValidateFormats checks every numeric, boolean and duration variable that is set
// Returns a single error listing all malformed variables
func (e *EnvValidator) ValidateFormats() error {
	var err error
	for _, name := range intVars {
		if _, parseErr := e.GetInt(name, 0); parseErr != nil {
			err = multierr.Append(err, parseErr)
		}
	}
	for _, name := range boolVars {
		if _, parseErr := e.GetBool(name, false); parseErr != nil {
			err = multierr.Append(err, parseErr)
		}
	}
	for _, name := range durationVars {
		if _, parseErr := e.GetDuration(name, 0); parseErr != nil {
			err = multierr.Append(err, parseErr)
		}
	}
	return err
}

func (e *EnvValidator) value(name string) (string, bool) {
	v, ok := e.lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// GetString returns the variable or fallback when unset or empty
func (e *EnvValidator) GetString(name, fallback string) string {
	if v, ok := e.value(name); ok {
		return v
	}
	return fallback
}

// GetInt returns the variable as an integer
func (e *EnvValidator) GetInt(name string, fallback int) (int, error) {
	v, ok := e.value(name)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a valid integer, got: %s", name, v)
	}
	return n, nil
}

// GetBool returns the variable as a boolean (1, t, true, 0, f, false, ...)
func (e *EnvValidator) GetBool(name string, fallback bool) (bool, error) {
	v, ok := e.value(name)
	if !ok {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a boolean, got: %s", name, v)
	}
	return b, nil
}

// GetDuration returns the variable as a duration; bare integers are seconds
func (e *EnvValidator) GetDuration(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := e.value(name)
	if !ok {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a duration such as 30s or 2m, got: %s", name, v)
	}
	return d, nil
}

// GetList splits a comma-separated variable, dropping empty items
func (e *EnvValidator) GetList(name string) []string {
	v, ok := e.value(name)
	if !ok {
		return nil
	}
	return SplitList(v)
}

// SplitList splits a comma-separated list, dropping empty items
func SplitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

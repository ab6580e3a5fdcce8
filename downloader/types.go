package downloader

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DownloadTask names one remote file and where it lands on disk
type DownloadTask struct {
	Filename       string `json:"filename" yaml:"filename"`
	RemoteID       string `json:"remote_id" yaml:"remote_id"`
	DestinationDir string `json:"destination_dir" yaml:"destination_dir"`
}

// Path returns the final location of the downloaded file
func (t DownloadTask) Path() string {
	return filepath.Join(t.DestinationDir, t.Filename)
}

// String implements fmt.Stringer
func (t DownloadTask) String() string {
	return fmt.Sprintf("%s (%s)", t.Filename, t.RemoteID)
}

// Validate checks that the task can be fetched
func (t DownloadTask) Validate() error {
	if t.RemoteID == "" {
		return NewFetchError(ErrorInvalidTask, "remote id is empty")
	}
	if t.Filename == "" || t.Filename == "." || t.Filename == ".." {
		return NewFetchError(ErrorInvalidTask, "filename is empty").
			WithContext("remote_id", t.RemoteID)
	}
	if strings.ContainsAny(t.Filename, `/\`) {
		return NewFetchError(ErrorInvalidTask, "filename must not contain path separators").
			WithContext("filename", t.Filename)
	}
	if t.DestinationDir == "" {
		return NewFetchError(ErrorInvalidTask, "destination directory is empty").
			WithContext("filename", t.Filename)
	}
	return nil
}

// ExistingPolicy decides what happens when the destination file already exists
type ExistingPolicy int

const (
	// ExistingOverwrite downloads again and replaces the file
	ExistingOverwrite ExistingPolicy = iota
	// ExistingSkip keeps a non-empty existing file and issues no request
	ExistingSkip
)

// String returns the string representation of the policy
func (p ExistingPolicy) String() string {
	switch p {
	case ExistingOverwrite:
		return "overwrite"
	case ExistingSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseExistingPolicy parses "overwrite" or "skip" (case-insensitive)
func ParseExistingPolicy(s string) (ExistingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return ExistingOverwrite, nil
	case "skip":
		return ExistingSkip, nil
	default:
		return ExistingOverwrite, fmt.Errorf("invalid existing file policy: %q (want overwrite or skip)", s)
	}
}

// Phase represents the current phase of a single fetch
type Phase int

const (
	PhaseRequesting Phase = iota
	PhaseConfirming
	PhaseWriting
	PhaseComplete
	PhaseError
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseRequesting:
		return "requesting"
	case PhaseConfirming:
		return "confirming"
	case PhaseWriting:
		return "writing"
	case PhaseComplete:
		return "complete"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchResult describes a finished fetch
type FetchResult struct {
	Task      DownloadTask  `json:"task"`
	Path      string        `json:"path"`
	Bytes     int64         `json:"bytes"`
	Confirmed bool          `json:"confirmed"` // a confirmation token was needed
	Skipped   bool          `json:"skipped"`   // existing file kept
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

package pipeline

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/extractor"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/runner"
)

// GroupSummary is the outcome of one group
type GroupSummary struct {
	Group     string
	Directory string

	Downloads   *runner.Report[downloader.DownloadTask]
	Extractions *runner.Report[extractor.ExtractionTask] // nil when the group is not extracted

	// NotArchives lists files the extract phase left alone
	NotArchives []string

	Bytes   int64 // written by the download phase
	Reused  int   // files kept by the skip policy
	Elapsed time.Duration
}

// Failed returns the number of failed tasks across both phases
func (g *GroupSummary) Failed() int {
	n := 0
	if g.Downloads != nil {
		n += len(g.Downloads.Failed())
	}
	if g.Extractions != nil {
		n += len(g.Extractions.Failed())
	}
	return n
}

// Tasks returns the number of tasks across both phases
func (g *GroupSummary) Tasks() int {
	n := 0
	if g.Downloads != nil {
		n += len(g.Downloads.Outcomes)
	}
	if g.Extractions != nil {
		n += len(g.Extractions.Outcomes)
	}
	return n
}

// Err combines every task error of the group
func (g *GroupSummary) Err() error {
	var err error
	if g.Downloads != nil {
		err = multierr.Append(err, g.Downloads.Err())
	}
	if g.Extractions != nil {
		err = multierr.Append(err, g.Extractions.Err())
	}
	return err
}

// Summary is the outcome of a run
type Summary struct {
	RunID    string
	Dataset  string
	Groups   []*GroupSummary
	Started  time.Time
	Finished time.Time
}

// Failed returns the number of failed tasks across all groups
func (s *Summary) Failed() int {
	n := 0
	for _, g := range s.Groups {
		n += g.Failed()
	}
	return n
}

// Tasks returns the number of tasks across all groups
func (s *Summary) Tasks() int {
	n := 0
	for _, g := range s.Groups {
		n += g.Tasks()
	}
	return n
}

// Bytes returns the number of bytes downloaded across all groups
func (s *Summary) Bytes() int64 {
	var n int64
	for _, g := range s.Groups {
		n += g.Bytes
	}
	return n
}

// HumanBytes formats Bytes for logs
func (s *Summary) HumanBytes() string {
	return humanize.Bytes(uint64(s.Bytes()))
}

// Err combines every task error of the run, or returns nil when all tasks succeeded
func (s *Summary) Err() error {
	var err error
	for _, g := range s.Groups {
		err = multierr.Append(err, g.Err())
	}
	return err
}

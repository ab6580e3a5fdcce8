// Package pipeline downloads the groups of a dataset and extracts the
// archives they contain.
//
// Groups run one after another. Within a group every file is fetched on a
// bounded worker pool; extraction starts only once every download of the group
// has finished, and runs on a pool of the same size.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/dataset"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/extractor"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/runner"
)

// ErrNoGroups is returned when the selection leaves nothing to do
var ErrNoGroups = errors.New("no groups selected")

// Options configures a Pipeline
type Options struct {
	// Workers bounds the tasks in flight per phase
	Workers int

	// RunID tags every log line; generated when empty
	RunID string

	// ProgressOutput receives one task counter per phase; nil disables it
	ProgressOutput io.Writer

	// Tracker receives phase and task counters; optional
	Tracker *ProgressTracker
}

// Pipeline wires a Fetcher and an Extractor to the runner
type Pipeline struct {
	fetcher   downloader.Fetcher
	extractor extractor.Extractor
	opts      Options
	logger    *zap.Logger
}

// New creates a Pipeline
func New(fetcher downloader.Fetcher, ext extractor.Extractor, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		fetcher:   fetcher,
		extractor: ext,
		opts:      opts,
		logger:    logger,
	}
}

// DownloadTasks returns one task per file of g, writing into dir
func DownloadTasks(g dataset.Group, dir string) []downloader.DownloadTask {
	tasks := make([]downloader.DownloadTask, 0, len(g.Files))
	for _, f := range g.Files {
		tasks = append(tasks, downloader.DownloadTask{
			Filename:       f.Name,
			RemoteID:       f.ID,
			DestinationDir: dir,
		})
	}
	return tasks
}

// Run processes the selected groups of ds below root. Task failures are
// collected in the Summary; the returned error is reserved for failures that
// stop the run, such as a group directory that cannot be created.
func (p *Pipeline) Run(ctx context.Context, ds *dataset.Dataset, root string, groups []string) (*Summary, error) {
	selected, err := ds.Select(groups)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, ErrNoGroups
	}

	runID := p.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := p.logger.With(zap.String("run_id", runID), zap.String("dataset", ds.Name))

	summary := &Summary{RunID: runID, Dataset: ds.Name, Started: time.Now()}

	if p.opts.Tracker != nil {
		if err := p.opts.Tracker.Start(ctx); err != nil {
			logger.Warn("Progress tracker not started", zap.Error(err))
		} else {
			defer p.opts.Tracker.Stop()
		}
	}

	logger.Info("Starting run",
		zap.String("directory", root),
		zap.Int("groups", len(selected)),
		zap.Int("workers", p.opts.Workers))

	for _, g := range selected {
		gs, err := p.runGroup(ctx, logger, root, g)
		if gs != nil {
			summary.Groups = append(summary.Groups, gs)
		}
		if err != nil {
			summary.Finished = time.Now()
			return summary, err
		}
	}
	summary.Finished = time.Now()

	if p.opts.Tracker != nil {
		p.opts.Tracker.BeginPhase(ds.Name, PhaseComplete, 0)
	}

	logger.Info("Run finished",
		zap.Int("tasks", summary.Tasks()),
		zap.Int("failed", summary.Failed()),
		zap.String("downloaded", summary.HumanBytes()),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)))
	return summary, nil
}

// RunGroup processes a single group below root
func (p *Pipeline) RunGroup(ctx context.Context, root string, g dataset.Group) (*GroupSummary, error) {
	return p.runGroup(ctx, p.logger, root, g)
}

func (p *Pipeline) runGroup(ctx context.Context, logger *zap.Logger, root string, g dataset.Group) (*GroupSummary, error) {
	start := time.Now()
	dir := g.Path(root)
	logger = logger.With(zap.String("group", g.Name))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for group %s: %w", g.Name, err)
	}

	gs := &GroupSummary{Group: g.Name, Directory: dir}
	p.download(ctx, logger, gs, DownloadTasks(g, dir))

	// Every download of the group has finished here.
	if g.Extract {
		if err := p.extract(ctx, logger, gs); err != nil {
			gs.Elapsed = time.Since(start)
			return gs, err
		}
	}
	gs.Elapsed = time.Since(start)

	logger.Info("Group finished",
		zap.Int("tasks", gs.Tasks()),
		zap.Int("failed", gs.Failed()),
		zap.Int("reused", gs.Reused),
		zap.String("downloaded", humanize.Bytes(uint64(gs.Bytes))),
		zap.Duration("elapsed", gs.Elapsed))
	return gs, nil
}

func (p *Pipeline) download(ctx context.Context, logger *zap.Logger, gs *GroupSummary, tasks []downloader.DownloadTask) {
	var (
		bytes  atomic.Int64
		reused atomic.Int64
	)

	fetch := func(ctx context.Context, task downloader.DownloadTask) error {
		result, err := p.fetcher.Fetch(ctx, task)
		if err != nil {
			return err
		}
		if result != nil {
			bytes.Add(result.Bytes)
			if result.Skipped {
				reused.Add(1)
			}
		}
		return nil
	}

	hooks := newPhaseHooks(p.opts, logger, gs.Group, PhaseDownloading, len(tasks),
		func(o runner.Outcome[downloader.DownloadTask]) {
			logger.Error("Download failed",
				zap.String("file", o.Task.Filename),
				zap.String("id", o.Task.RemoteID),
				zap.Error(o.Err))
		})

	gs.Downloads = runner.Run(ctx, tasks, p.opts.Workers, fetch, hooks.Hooks)
	hooks.finish()

	gs.Bytes = bytes.Load()
	gs.Reused = int(reused.Load())
}

func (p *Pipeline) extract(ctx context.Context, logger *zap.Logger, gs *GroupSummary) error {
	tasks, skipped, err := extractor.Plan(gs.Directory, gs.Directory)
	if err != nil {
		return err
	}
	gs.NotArchives = skipped
	for _, name := range skipped {
		logger.Debug("Not an archive, skipping", zap.String("file", name))
	}

	hooks := newPhaseHooks(p.opts, logger, gs.Group, PhaseExtracting, len(tasks),
		func(o runner.Outcome[extractor.ExtractionTask]) {
			logger.Error("Extraction failed",
				zap.String("archive", o.Task.ArchivePath),
				zap.Error(o.Err))
		})

	gs.Extractions = runner.Run(ctx, tasks, p.opts.Workers, p.extractor.Extract, hooks.Hooks)
	hooks.finish()
	return nil
}

// phaseHooks feeds runner hooks into the tracker and the task bar
type phaseHooks[T any] struct {
	runner.Hooks[T]
	bar *progressbar.ProgressBar
}

func (h *phaseHooks[T]) finish() {
	if h.bar != nil {
		_ = h.bar.Finish()
	}
}

func newPhaseHooks[T any](opts Options, logger *zap.Logger, group string, phase Phase, total int, onFailure func(runner.Outcome[T])) *phaseHooks[T] {
	h := &phaseHooks[T]{bar: newTaskBar(opts.ProgressOutput, total, group+" "+phase.String())}
	tracker := opts.Tracker
	if tracker != nil {
		tracker.BeginPhase(group, phase, total)
	}

	var mu sync.Mutex // serialises bar updates with the failure log
	h.OnFinish = func(o runner.Outcome[T]) {
		failed := o.State == runner.StateFailed
		if tracker != nil {
			tracker.TaskFinished(failed)
		}

		mu.Lock()
		defer mu.Unlock()
		if failed {
			onFailure(o)
		} else {
			logger.Debug("Task finished", zap.Int("index", o.Index), zap.Duration("duration", o.Duration()))
		}
		if h.bar != nil {
			_ = h.bar.Add(1)
		}
	}
	return h
}

// newTaskBar counts finished tasks of one phase, or returns nil when w is nil
func newTaskBar(w io.Writer, total int, description string) *progressbar.ProgressBar {
	if w == nil || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "#",
			SaucerPadding: "-",
			BarStart:      "|",
			BarEnd:        "|",
		}),
	)
}

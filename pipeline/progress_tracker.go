package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Phase represents the current phase of a group
type Phase int

const (
	PhaseDownloading Phase = iota
	PhaseExtracting
	PhaseComplete
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhaseExtracting:
		return "extracting"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Progress is a snapshot of the running phase
type Progress struct {
	Group          string  `json:"group"`
	TasksTotal     int     `json:"tasks_total"`
	TasksDone      int     `json:"tasks_done"`
	TasksFailed    int     `json:"tasks_failed"`
	BytesProcessed int64   `json:"bytes_processed"`
	Speed          int64   `json:"speed"` // bytes per second
	Percentage     float64 `json:"percentage"`
}

// ProgressReporter receives periodic progress and phase transitions
type ProgressReporter interface {
	// UpdateProgress reports progress for the current phase
	UpdateProgress(phase Phase, progress Progress) error

	// ReportPhaseChange reports a transition between phases
	ReportPhaseChange(oldPhase, newPhase Phase, progress Progress) error

	// Stop releases reporter resources
	Stop()
}

// ProgressTracker collects task and byte counters from worker goroutines and
// hands snapshots to a reporter at a fixed interval
type ProgressTracker struct {
	updateInterval time.Duration
	reporter       ProgressReporter

	mu           sync.RWMutex
	isRunning    bool
	currentPhase Phase
	progress     Progress
	phaseStart   time.Time
	bytes        atomic.Int64

	cancel   context.CancelFunc
	ticker   *time.Ticker
	doneChan chan struct{}
}

// NewProgressTracker creates a ProgressTracker reporting every 10 seconds
func NewProgressTracker(reporter ProgressReporter) *ProgressTracker {
	return NewProgressTrackerWithInterval(reporter, 10*time.Second)
}

// NewProgressTrackerWithInterval creates a ProgressTracker with a custom update interval
func NewProgressTrackerWithInterval(reporter ProgressReporter, interval time.Duration) *ProgressTracker {
	return &ProgressTracker{
		updateInterval: interval,
		reporter:       reporter,
		currentPhase:   -1, // no phase yet
	}
}

// Start begins the periodic updates
func (pt *ProgressTracker) Start(ctx context.Context) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.isRunning {
		return errors.New("progress tracker is already running")
	}

	var loopCtx context.Context
	loopCtx, pt.cancel = context.WithCancel(ctx)
	pt.ticker = time.NewTicker(pt.updateInterval)
	pt.doneChan = make(chan struct{})
	pt.isRunning = true

	go pt.updateLoop(loopCtx, pt.ticker, pt.doneChan)
	return nil
}

// Stop stops the periodic updates and the reporter
func (pt *ProgressTracker) Stop() {
	pt.mu.Lock()
	if !pt.isRunning {
		pt.mu.Unlock()
		return
	}
	pt.cancel()
	pt.isRunning = false
	done := pt.doneChan
	pt.mu.Unlock()

	<-done
	pt.ticker.Stop()

	if pt.reporter != nil {
		pt.reporter.Stop()
	}
}

// BeginPhase resets the counters for a new phase of group with total tasks
func (pt *ProgressTracker) BeginPhase(group string, phase Phase, total int) {
	pt.mu.Lock()
	oldPhase := pt.currentPhase
	pt.currentPhase = phase
	pt.progress = Progress{Group: group, TasksTotal: total}
	pt.phaseStart = time.Now()
	pt.bytes.Store(0)
	snapshot := pt.snapshotLocked()
	pt.mu.Unlock()

	if pt.reporter != nil {
		_ = pt.reporter.ReportPhaseChange(oldPhase, phase, snapshot)
	}
}

// TaskFinished counts one finished task of the current phase
func (pt *ProgressTracker) TaskFinished(failed bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.progress.TasksDone++
	if failed {
		pt.progress.TasksFailed++
	}
}

// AddBytes counts bytes written by the current phase; safe to call from any goroutine
func (pt *ProgressTracker) AddBytes(n int64) {
	pt.bytes.Add(n)
}

// GetCurrentProgress returns the current progress state (thread-safe)
func (pt *ProgressTracker) GetCurrentProgress() (Phase, Progress) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.currentPhase, pt.snapshotLocked()
}

// IsRunning returns whether the tracker is currently running
func (pt *ProgressTracker) IsRunning() bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.isRunning
}

func (pt *ProgressTracker) snapshotLocked() Progress {
	p := pt.progress
	p.BytesProcessed = pt.bytes.Load()
	if p.TasksTotal > 0 {
		p.Percentage = float64(p.TasksDone) / float64(p.TasksTotal) * 100
	}
	if elapsed := time.Since(pt.phaseStart); !pt.phaseStart.IsZero() && elapsed > 0 {
		p.Speed = int64(float64(p.BytesProcessed) / elapsed.Seconds())
	}
	return p
}

func (pt *ProgressTracker) updateLoop(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			phase, progress := pt.GetCurrentProgress()
			if pt.reporter != nil && phase >= 0 && phase != PhaseComplete {
				_ = pt.reporter.UpdateProgress(phase, progress)
			}
		}
	}
}

// LogReporter writes progress to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a LogReporter
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// UpdateProgress implements ProgressReporter
func (r *LogReporter) UpdateProgress(phase Phase, progress Progress) error {
	fields := []zap.Field{
		zap.String("group", progress.Group),
		zap.String("phase", phase.String()),
		zap.Int("done", progress.TasksDone),
		zap.Int("total", progress.TasksTotal),
		zap.Int("failed", progress.TasksFailed),
	}
	if progress.BytesProcessed > 0 {
		fields = append(fields,
			zap.String("bytes", humanize.Bytes(uint64(progress.BytesProcessed))),
			zap.String("speed", humanize.Bytes(uint64(progress.Speed))+"/s"))
	}
	r.logger.Info("progress", fields...)
	return nil
}

// ReportPhaseChange implements ProgressReporter
func (r *LogReporter) ReportPhaseChange(oldPhase, newPhase Phase, progress Progress) error {
	r.logger.Info("phase started",
		zap.String("group", progress.Group),
		zap.String("phase", newPhase.String()),
		zap.String("previous", oldPhase.String()),
		zap.Int("tasks", progress.TasksTotal))
	return nil
}

// Stop implements ProgressReporter
func (r *LogReporter) Stop() {}

package downloader

import (
	"context"
)

// Fetcher downloads a single remote file to disk
type Fetcher interface {
	// Fetch downloads task and returns what was written. Errors are *FetchError.
	Fetch(ctx context.Context, task DownloadTask) (*FetchResult, error)
}

// ProgressCallbacks defines optional hooks invoked while a fetch runs.
// They may be called from several goroutines at once when a Fetcher is
// shared by a worker pool.
type ProgressCallbacks struct {
	OnPhaseChange func(task DownloadTask, oldPhase, newPhase Phase)
	OnBytes       func(task DownloadTask, n int64)
	OnComplete    func(result *FetchResult)
}

func (c ProgressCallbacks) phaseChange(task DownloadTask, oldPhase, newPhase Phase) {
	if c.OnPhaseChange != nil && oldPhase != newPhase {
		c.OnPhaseChange(task, oldPhase, newPhase)
	}
}

func (c ProgressCallbacks) bytes(task DownloadTask, n int64) {
	if c.OnBytes != nil && n > 0 {
		c.OnBytes(task, n)
	}
}

func (c ProgressCallbacks) complete(result *FetchResult) {
	if c.OnComplete != nil {
		c.OnComplete(result)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/config"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/dataset"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/extractor"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/logging"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/pipeline"
)

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitPartial     = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// Load configuration; flags override the environment
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitUsage
	}

	list, err := parseFlags(cfg, args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitUsage
	}

	if list {
		if err := listDatasets(stdout); err != nil {
			fmt.Fprintf(stderr, "Failed to list datasets: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Configuration validation failed: %v\n", err)
		return exitUsage
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	ds, err := loadDataset(cfg)
	if err != nil {
		logger.Error("Failed to load dataset", zap.Error(err))
		if errors.Is(err, dataset.ErrUnknownDataset) {
			return exitUsage
		}
		return exitFailure
	}
	if _, err := ds.Select(cfg.Groups); err != nil {
		logger.Error("Invalid group selection", zap.Error(err))
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := pipeline.NewProgressTracker(pipeline.NewLogReporter(logger))

	policy, _ := cfg.ExistingPolicy()
	opts := downloader.DefaultOptions()
	opts.ExportURL = cfg.ExportURL
	opts.Existing = policy
	opts.RetryAttempts = cfg.RetryAttempts
	opts.InactivityTimeout = cfg.InactivityTimeout
	opts.Callbacks.OnBytes = func(_ downloader.DownloadTask, n int64) { tracker.AddBytes(n) }

	var progress io.Writer
	if !cfg.NoProgress {
		progress = stderr
		// Per-file byte bars only make sense when files arrive one at a time
		if cfg.Workers == 1 {
			opts.ProgressOutput = stderr
		}
	}

	fetcher, err := downloader.NewDriveFetcher(opts, logger)
	if err != nil {
		logger.Error("Failed to create fetcher", zap.Error(err))
		return exitUsage
	}

	logger.Debug("Configuration loaded",
		zap.String("dataset", ds.Name),
		zap.String("directory", cfg.Directory),
		zap.Int("workers", cfg.Workers),
		zap.Strings("groups", cfg.Groups),
		zap.String("existing", policy.String()),
		zap.Int("retries", cfg.RetryAttempts),
		zap.Duration("inactivity_timeout", cfg.InactivityTimeout))

	p := pipeline.New(fetcher, extractor.New(logger), pipeline.Options{
		Workers:        cfg.Workers,
		RunID:          runID,
		ProgressOutput: progress,
		Tracker:        tracker,
	}, logger)

	summary, err := p.Run(ctx, ds, cfg.Directory, cfg.Groups)
	if summary != nil {
		pipeline.WriteReport(stdout, summary)
	}
	if ctx.Err() != nil {
		logger.Warn("Interrupted")
		return exitInterrupted
	}
	if err != nil {
		logger.Error("Run aborted", zap.Error(err))
		return exitFailure
	}

	if failed := summary.Failed(); failed > 0 {
		logger.Warn("Some tasks failed",
			zap.Int("failed", failed),
			zap.Int("tasks", summary.Tasks()),
			zap.Error(summary.Err()))
		if !cfg.AllowPartial {
			return exitPartial
		}
	}
	return exitOK
}

// parseFlags applies command line flags on top of cfg and reports whether -list was given
func parseFlags(cfg *config.Config, args []string, output io.Writer) (bool, error) {
	fs := flag.NewFlagSet("gdrive-dataset", flag.ContinueOnError)
	fs.SetOutput(output)

	groups := strings.Join(cfg.Groups, ",")
	var list bool

	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "built-in dataset to download")
	fs.StringVar(&cfg.DatasetFile, "dataset-file", cfg.DatasetFile, "YAML dataset definition, overrides -dataset")
	fs.StringVar(&cfg.Directory, "d", cfg.Directory, "download directory")
	fs.IntVar(&cfg.Workers, "n", cfg.Workers, "number of files processed in parallel")
	fs.StringVar(&groups, "groups", groups, "comma separated groups, default the enabled ones")
	fs.StringVar(&cfg.ExistingFiles, "existing", cfg.ExistingFiles, "what to do with files already on disk: overwrite or skip")
	fs.BoolVar(&cfg.AllowPartial, "allow-partial", cfg.AllowPartial, "exit 0 even when some files failed")
	fs.StringVar(&cfg.ExportURL, "export-url", cfg.ExportURL, "Google Drive export endpoint")
	fs.IntVar(&cfg.RetryAttempts, "retries", cfg.RetryAttempts, "extra attempts for transient download failures")
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "abort a download after this long without data, 0 waits forever")
	fs.BoolVar(&cfg.NoProgress, "no-progress", cfg.NoProgress, "disable progress bars")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN, ERROR or FATAL")
	fs.BoolVar(&list, "list", false, "list the built-in datasets and exit")

	if err := fs.Parse(args); err != nil {
		return false, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(output, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return false, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg.Groups = config.SplitList(groups)
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	return list, nil
}

func loadDataset(cfg *config.Config) (*dataset.Dataset, error) {
	if cfg.DatasetFile != "" {
		return dataset.Load(cfg.DatasetFile)
	}
	return dataset.Builtin(cfg.Dataset)
}

func listDatasets(w io.Writer) error {
	for _, name := range dataset.BuiltinNames() {
		ds, err := dataset.Builtin(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", ds.Name, ds.Description)
		for _, g := range ds.Groups {
			marker := " "
			if g.IsEnabled() {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %-18s %3d files  %s\n", marker, g.Name, len(g.Files), g.Directory)
		}
	}
	return nil
}

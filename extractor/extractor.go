package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bodgit/sevenzip"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const copyBufferSize = 32 * 1024

// Extractor unpacks one archive and removes it afterwards
type Extractor interface {
	// Extract decompresses every entry of task into task.DestinationDir and
	// deletes the archive volumes. Errors are *ExtractError.
	Extract(ctx context.Context, task ExtractionTask) error
}

// Stats summarises one extraction
type Stats struct {
	Entries int
	Bytes   int64
	Volumes []string
}

// ArchiveExtractor extracts 7z (single or split) and zip archives
type ArchiveExtractor struct {
	logger *zap.Logger

	// KeepArchives leaves volumes on disk after a successful extraction
	KeepArchives bool
}

// New creates an ArchiveExtractor
func New(logger *zap.Logger) *ArchiveExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveExtractor{logger: logger}
}

// ExtractFile extracts a single archive path into destinationDir
func (e *ArchiveExtractor) ExtractFile(ctx context.Context, archivePath, destinationDir string) error {
	return e.Extract(ctx, NewExtractionTask(archivePath, destinationDir))
}

// Extract implements Extractor
func (e *ArchiveExtractor) Extract(ctx context.Context, task ExtractionTask) error {
	start := time.Now()
	log := e.logger.With(zap.String("archive", task.String()))

	if len(task.Missing) > 0 {
		return NewExtractError(ErrorMissingVolume, "archive set is incomplete").
			WithContext("archive", task.ArchivePath).
			WithContext("missing", task.Missing)
	}
	if err := ctx.Err(); err != nil {
		return NewExtractErrorWithCause(ErrorCancelled, "extraction cancelled", err).
			WithContext("archive", task.ArchivePath)
	}
	if err := os.MkdirAll(task.DestinationDir, 0o755); err != nil {
		return NewExtractErrorWithCause(ErrorFileSystemError, "failed to create destination", err).
			WithContext("destination", task.DestinationDir)
	}

	format := task.Format
	if format == FormatUnknown {
		format = DetectFormat(task.ArchivePath)
	}

	log.Debug("extracting", zap.String("format", format.String()), zap.String("destination", task.DestinationDir))

	var (
		stats *Stats
		err   error
	)
	switch format {
	case FormatSevenZip:
		stats, err = e.extractSevenZip(ctx, task)
	case FormatZip:
		stats, err = e.extractZip(ctx, task)
	default:
		err = NewExtractError(ErrorUnsupportedFormat, "unrecognised archive format").
			WithContext("archive", task.ArchivePath)
	}
	if err != nil {
		var ee *ExtractError
		if errors.As(err, &ee) {
			ee.WithContext("archive", task.ArchivePath)
		}
		return err
	}

	if !e.KeepArchives {
		if err := removeVolumes(stats.Volumes); err != nil {
			return NewExtractErrorWithCause(ErrorFileSystemError, "extracted but failed to remove archive", err).
				WithContext("archive", task.ArchivePath)
		}
	}

	log.Info("extracted",
		zap.Int("entries", stats.Entries),
		zap.String("size", humanize.Bytes(uint64(stats.Bytes))),
		zap.Int("volumes", len(stats.Volumes)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (e *ArchiveExtractor) extractSevenZip(ctx context.Context, task ExtractionTask) (*Stats, error) {
	r, err := sevenzip.OpenReader(task.ArchivePath)
	if err != nil {
		return nil, openError(err)
	}
	stats := &Stats{Volumes: r.Volumes()}

	err = func() error {
		for _, f := range r.File {
			info := f.FileInfo()
			n, err := writeEntry(ctx, task.DestinationDir, f.Name, info.Mode(), f.Modified, f.Open)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				stats.Entries++
				stats.Bytes += n
			}
		}
		return nil
	}()

	// Volumes must be closed before they can be removed.
	if closeErr := r.Close(); err == nil && closeErr != nil {
		err = NewExtractErrorWithCause(ErrorFileSystemError, "failed to close archive", closeErr)
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *ArchiveExtractor) extractZip(ctx context.Context, task ExtractionTask) (*Stats, error) {
	r, err := zip.OpenReader(task.ArchivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = r.Close()
		return nil, NewExtractErrorWithCause(ErrorUnsafeEntry, "entry escapes the destination directory", err)
	}
	if err != nil {
		return nil, openError(err)
	}
	stats := &Stats{Volumes: []string{task.ArchivePath}}

	err = func() error {
		for _, f := range r.File {
			mode := f.Mode()
			if mode&fs.ModeSymlink != 0 {
				e.logger.Debug("skipping symlink entry", zap.String("entry", f.Name))
				continue
			}
			n, err := writeEntry(ctx, task.DestinationDir, f.Name, mode, f.Modified, f.Open)
			if err != nil {
				return err
			}
			if !mode.IsDir() {
				stats.Entries++
				stats.Bytes += n
			}
		}
		return nil
	}()

	if closeErr := r.Close(); err == nil && closeErr != nil {
		err = NewExtractErrorWithCause(ErrorFileSystemError, "failed to close archive", closeErr)
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func openError(err error) *ExtractError {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return NewExtractErrorWithCause(ErrorFileSystemError, "failed to open archive", err)
	}
	return NewExtractErrorWithCause(ErrorCorruptArchive, "failed to read archive", err)
}

// entryPath resolves an archive entry name inside dest, refusing names that
// would land outside of it
func entryPath(dest, name string) (string, error) {
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", NewExtractError(ErrorUnsafeEntry, "entry escapes the destination directory").
			WithContext("entry", name)
	}
	return filepath.Join(dest, local), nil
}

// writeEntry materialises one archive entry and returns the bytes written
func writeEntry(ctx context.Context, dest, name string, mode fs.FileMode, modified time.Time, open func() (io.ReadCloser, error)) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewExtractErrorWithCause(ErrorCancelled, "extraction cancelled", err)
	}

	target, err := entryPath(dest, name)
	if err != nil {
		return 0, err
	}

	if mode.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, fileSystemError("failed to create directory", target, err)
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fileSystemError("failed to create directory", filepath.Dir(target), err)
	}

	rc, err := open()
	if err != nil {
		return 0, NewExtractErrorWithCause(ErrorCorruptArchive, "failed to open entry", err).
			WithContext("entry", name)
	}
	defer rc.Close()

	perm := mode.Perm() | 0o200
	if mode.Perm() == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fileSystemError("failed to create file", target, err)
	}

	n, err := copyEntry(out, rc)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fileSystemError("failed to close file", target, closeErr)
	}
	if err != nil {
		var ee *ExtractError
		if errors.As(err, &ee) {
			ee.WithContext("entry", name)
		}
		return n, err
	}

	if !modified.IsZero() {
		_ = os.Chtimes(target, modified, modified)
	}
	return n, nil
}

// copyEntry separates decompression failures from write failures
func copyEntry(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fileSystemError("failed to write entry", "", err)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, NewExtractErrorWithCause(ErrorCorruptArchive, "failed to decompress entry", readErr)
		}
	}
}

func fileSystemError(message, path string, err error) *ExtractError {
	ee := NewExtractErrorWithCause(ErrorFileSystemError, message, err)
	if path != "" {
		ee.WithContext("path", path)
	}
	if errors.Is(err, syscall.ENOSPC) {
		ee.WithContext("disk_full", true)
	}
	return ee
}

func removeVolumes(volumes []string) error {
	var err error
	for _, v := range volumes {
		if rmErr := os.Remove(v); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", v, rmErr))
		}
	}
	return err
}

package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

const (
	// DefaultExportURL is the Google Drive direct download endpoint
	DefaultExportURL = "https://docs.google.com/uc?export=download"

	// ConfirmCookiePrefix marks the cookie Drive sets instead of serving
	// large files that it cannot virus-scan
	ConfirmCookiePrefix = "download_warning"

	// DefaultChunkSize bounds the read buffer per download
	DefaultChunkSize = 32 * 1024

	partSuffix = ".part"
)

// Options configures a DriveFetcher
type Options struct {
	ExportURL string
	ChunkSize int
	Existing  ExistingPolicy

	// RetryAttempts is the number of extra attempts after a retryable failure
	RetryAttempts        int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// InactivityTimeout aborts an attempt when no bytes arrive for this long.
	// Zero waits forever.
	InactivityTimeout time.Duration

	// AllowHTML accepts text/html bodies. Drive answers with an HTML page when
	// a file is over quota or the confirmation flow changed, which would
	// otherwise be saved in place of the archive.
	AllowHTML bool

	HTTPClient     *http.Client
	ProgressOutput io.Writer
	Callbacks      ProgressCallbacks
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		ExportURL:            DefaultExportURL,
		ChunkSize:            DefaultChunkSize,
		Existing:             ExistingOverwrite,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		HTTPClient:           &http.Client{},
	}
}

// DriveFetcher implements Fetcher against the Google Drive export endpoint
type DriveFetcher struct {
	opts      Options
	exportURL *url.URL
	logger    *zap.Logger
}

// NewDriveFetcher creates a DriveFetcher. Zero fields of opts fall back to DefaultOptions.
func NewDriveFetcher(opts Options, logger *zap.Logger) (*DriveFetcher, error) {
	defaults := DefaultOptions()
	if opts.ExportURL == "" {
		opts.ExportURL = defaults.ExportURL
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.RetryAttempts < 0 {
		return nil, fmt.Errorf("retry attempts cannot be negative, got: %d", opts.RetryAttempts)
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if opts.RetryMaxInterval <= 0 {
		opts.RetryMaxInterval = defaults.RetryMaxInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = defaults.HTTPClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exportURL, err := url.Parse(opts.ExportURL)
	if err != nil {
		return nil, fmt.Errorf("invalid export URL %q: %w", opts.ExportURL, err)
	}
	if exportURL.Scheme != "http" && exportURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid export URL %q: scheme must be http or https", opts.ExportURL)
	}

	return &DriveFetcher{
		opts:      opts,
		exportURL: exportURL,
		logger:    logger,
	}, nil
}

// Fetch downloads task.RemoteID into task.Path()
func (f *DriveFetcher) Fetch(ctx context.Context, task DownloadTask) (*FetchResult, error) {
	start := time.Now()
	if err := task.Validate(); err != nil {
		return nil, err
	}
	log := f.logger.With(zap.String("file", task.Filename), zap.String("id", task.RemoteID))

	if f.opts.Existing == ExistingSkip {
		if info, err := os.Stat(task.Path()); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			log.Debug("keeping existing file", zap.String("size", humanize.Bytes(uint64(info.Size()))))
			result := &FetchResult{
				Task:     task,
				Path:     task.Path(),
				Bytes:    info.Size(),
				Skipped:  true,
				Duration: time.Since(start),
			}
			f.opts.Callbacks.complete(result)
			return result, nil
		}
	}

	attempts := 0
	operation := func() (*FetchResult, error) {
		attempts++
		result, err := f.fetchOnce(ctx, task, log)
		if err == nil {
			return result, nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.Retryable() && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("fetch attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newBackOff(), uint64(f.opts.RetryAttempts)), ctx)
	result, err := backoff.RetryNotifyWithData[*FetchResult](operation, policy, notify)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = NewFetchErrorWithCause(classifyTransportError(err, context.Cause(ctx)), "fetch aborted", err)
		}
		fe.WithContext("filename", task.Filename).
			WithContext("remote_id", task.RemoteID).
			WithContext("attempts", attempts)
		return nil, fe
	}

	result.Attempts = attempts
	result.Duration = time.Since(start)
	log.Info("downloaded",
		zap.String("size", humanize.Bytes(uint64(result.Bytes))),
		zap.Bool("confirmed", result.Confirmed),
		zap.Int("attempts", attempts),
		zap.Duration("took", result.Duration))
	f.opts.Callbacks.complete(result)
	return result, nil
}

func (f *DriveFetcher) newBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.opts.RetryInitialInterval),
		backoff.WithMaxInterval(f.opts.RetryMaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
}

// fetchOnce runs the request, optional confirmation request and write for one attempt
func (f *DriveFetcher) fetchOnce(ctx context.Context, task DownloadTask, log *zap.Logger) (*FetchResult, error) {
	ctx, wd := newWatchdog(ctx, f.opts.InactivityTimeout)
	defer wd.Stop()

	// Each attempt gets its own cookie session.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, NewFetchErrorWithCause(ErrorUnknown, "failed to create cookie jar", err)
	}
	client := f.sessionClient(jar)

	phase := Phase(-1)
	setPhase := func(next Phase) {
		f.opts.Callbacks.phaseChange(task, phase, next)
		phase = next
	}

	setPhase(PhaseRequesting)
	resp, err := f.get(ctx, client, task.RemoteID, "")
	if err != nil {
		return nil, transportError(ctx, "request failed", err)
	}

	confirmed := false
	if token := confirmToken(resp, jar); token != "" {
		drainAndClose(resp)
		log.Debug("confirmation cookie received, requesting again")
		setPhase(PhaseConfirming)

		wd.Kick()
		resp, err = f.get(ctx, client, task.RemoteID, token)
		if err != nil {
			return nil, transportError(ctx, "confirmation request failed", err)
		}
		confirmed = true
	}
	defer drainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		fe := NewFetchError(ErrorBadStatus, fmt.Sprintf("unexpected status %s", resp.Status))
		fe.StatusCode = resp.StatusCode
		return nil, fe
	}
	if !f.opts.AllowHTML && isHTML(resp.Header.Get("Content-Type")) {
		fe := NewFetchError(ErrorBadStatus, "received an HTML page instead of file content")
		fe.StatusCode = resp.StatusCode
		return nil, fe.WithContext("content_type", resp.Header.Get("Content-Type"))
	}

	wd.Kick()
	setPhase(PhaseWriting)
	written, err := f.writeBody(ctx, wd, task, resp)
	if err != nil {
		setPhase(PhaseError)
		return nil, err
	}
	setPhase(PhaseComplete)

	return &FetchResult{
		Task:      task,
		Path:      task.Path(),
		Bytes:     written,
		Confirmed: confirmed,
	}, nil
}

func (f *DriveFetcher) sessionClient(jar http.CookieJar) *http.Client {
	base := f.opts.HTTPClient
	return &http.Client{
		Transport:     base.Transport,
		CheckRedirect: base.CheckRedirect,
		Timeout:       base.Timeout,
		Jar:           jar,
	}
}

func (f *DriveFetcher) get(ctx context.Context, client *http.Client, id, token string) (*http.Response, error) {
	u := *f.exportURL
	q := u.Query()
	q.Set("id", id)
	if token != "" {
		q.Set("confirm", token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// writeBody streams resp into a .part file and renames it over the destination
func (f *DriveFetcher) writeBody(ctx context.Context, wd *watchdog, task DownloadTask, resp *http.Response) (int64, error) {
	part := task.Path() + partSuffix
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, NewFetchErrorWithCause(ErrorFileSystemError, "failed to create file", err).
			WithContext("path", part)
	}

	bar := newByteBar(f.opts.ProgressOutput, resp.ContentLength, task.Filename)
	written, err := f.copyChunks(ctx, wd, task, out, resp.Body, bar)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = NewFetchErrorWithCause(ErrorFileSystemError, "failed to close file", closeErr).
			WithContext("path", part)
	}
	if bar != nil {
		_ = bar.Close()
	}
	if err != nil {
		_ = os.Remove(part)
		return written, err
	}

	if err := os.Rename(part, task.Path()); err != nil {
		_ = os.Remove(part)
		return written, NewFetchErrorWithCause(ErrorFileSystemError, "failed to move file into place", err).
			WithContext("path", task.Path())
	}
	return written, nil
}

// copyChunks copies body to out one chunk at a time, skipping empty reads
func (f *DriveFetcher) copyChunks(ctx context.Context, wd *watchdog, task DownloadTask, out io.Writer, body io.Reader, bar *progressbar.ProgressBar) (int64, error) {
	buf := make([]byte, f.opts.ChunkSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, err := out.Write(buf[:n]); err != nil {
				return written, NewFetchErrorWithCause(ErrorFileSystemError, "failed to write chunk", err).
					WithContext("written", written)
			}
			written += int64(n)
			if bar != nil {
				_ = bar.Add(n)
			}
			f.opts.Callbacks.bytes(task, int64(n))
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, transportError(ctx, "failed to read response body", readErr).
				WithContext("written", written)
		}
	}
}

func transportError(ctx context.Context, message string, err error) *FetchError {
	return NewFetchErrorWithCause(classifyTransportError(err, context.Cause(ctx)), message, err)
}

// confirmToken returns the value of the first download_warning cookie set on
// the response or on any redirect that led to it
func confirmToken(resp *http.Response, jar http.CookieJar) string {
	for _, c := range resp.Cookies() {
		if strings.HasPrefix(c.Name, ConfirmCookiePrefix) {
			return c.Value
		}
	}
	if jar != nil && resp.Request != nil {
		for _, c := range jar.Cookies(resp.Request.URL) {
			if strings.HasPrefix(c.Name, ConfirmCookiePrefix) {
				return c.Value
			}
		}
	}
	return ""
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/html"
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bodgit/sevenzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/dataset"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/extractor"
)

const fixtures = "../extractor/testdata"

// stubFetcher writes a small file per task, failing the ids listed in fail
type stubFetcher struct {
	fail     map[string]bool
	finished atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, task downloader.DownloadTask) (*downloader.FetchResult, error) {
	defer f.finished.Add(1)
	if f.fail[task.RemoteID] {
		return nil, downloader.NewFetchError(downloader.ErrorBadStatus, "unexpected status 404")
	}
	data := []byte(task.RemoteID)
	if err := os.WriteFile(task.Path(), data, 0o644); err != nil {
		return nil, err
	}
	return &downloader.FetchResult{Task: task, Path: task.Path(), Bytes: int64(len(data))}, nil
}

// stubExtractor records the archives it saw and how many downloads had
// finished at that point
type stubExtractor struct {
	fetcher *stubFetcher

	mu       sync.Mutex
	archives []string
	seen     []int32
	fail     bool
}

func (e *stubExtractor) Extract(ctx context.Context, task extractor.ExtractionTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.archives = append(e.archives, filepath.Base(task.ArchivePath))
	e.seen = append(e.seen, e.fetcher.finished.Load())
	if e.fail {
		return extractor.NewExtractError(extractor.ErrorCorruptArchive, "bad header")
	}
	return nil
}

func group(name string, extract bool, files ...string) dataset.Group {
	g := dataset.Group{Name: name, Directory: name, Extract: extract}
	for _, f := range files {
		g.Files = append(g.Files, dataset.File{Name: f, ID: "id-" + f})
	}
	return g
}

func TestPipeline_BarrierBeforeExtraction(t *testing.T) {
	root := t.TempDir()
	fetcher := &stubFetcher{}
	ext := &stubExtractor{fetcher: fetcher}
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{
		group("img", true, "a.zip", "b.zip", "c.zip", "notes.txt"),
	}}

	p := New(fetcher, ext, Options{Workers: 3}, zaptest.NewLogger(t))
	summary, err := p.Run(context.Background(), ds, root, nil)
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.ElementsMatch(t, []string{"a.zip", "b.zip", "c.zip"}, ext.archives)
	for _, seen := range ext.seen {
		assert.Equal(t, int32(4), seen, "extraction started before every download finished")
	}

	require.Len(t, summary.Groups, 1)
	gs := summary.Groups[0]
	assert.Equal(t, filepath.Join(root, "img"), gs.Directory)
	assert.Equal(t, []string{"notes.txt"}, gs.NotArchives)
	assert.Equal(t, 7, gs.Tasks())
	assert.Equal(t, 0, summary.Failed())
	assert.NotEmpty(t, summary.RunID)
	assert.Positive(t, summary.Bytes())
}

func TestPipeline_ContinuesAfterFailures(t *testing.T) {
	root := t.TempDir()
	fetcher := &stubFetcher{fail: map[string]bool{"id-b.zip": true}}
	ext := &stubExtractor{fetcher: fetcher, fail: true}
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{
		group("first", true, "a.zip", "b.zip"),
		group("second", false, "readme.txt"),
	}}

	p := New(fetcher, ext, Options{Workers: 2}, zaptest.NewLogger(t))
	summary, err := p.Run(context.Background(), ds, root, nil)
	require.NoError(t, err)

	require.Len(t, summary.Groups, 2)
	first := summary.Groups[0]
	assert.Len(t, first.Downloads.Failed(), 1)
	assert.Equal(t, 1, first.Downloads.Succeeded())
	require.NotNil(t, first.Extractions)
	assert.Len(t, first.Extractions.Failed(), 1)

	second := summary.Groups[1]
	assert.Nil(t, second.Extractions)
	assert.FileExists(t, filepath.Join(root, "second", "readme.txt"))

	assert.Equal(t, 2, summary.Failed())
	err = summary.Err()
	require.Error(t, err)
	assert.True(t, downloader.IsFetchError(err, downloader.ErrorBadStatus))
	assert.True(t, extractor.IsExtractError(err, extractor.ErrorCorruptArchive))
}

func TestPipeline_DirectoryFailureAbortsRun(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	fetcher := &stubFetcher{}
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{
		{Name: "first", Directory: "ok", Files: []dataset.File{{Name: "a.txt", ID: "a"}}},
		{Name: "second", Directory: "blocked/sub", Files: []dataset.File{{Name: "b.txt", ID: "b"}}},
		{Name: "third", Directory: "never", Files: []dataset.File{{Name: "c.txt", ID: "c"}}},
	}}

	p := New(fetcher, &stubExtractor{fetcher: fetcher}, Options{Workers: 1}, zaptest.NewLogger(t))
	summary, err := p.Run(context.Background(), ds, root, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")

	require.NotNil(t, summary)
	require.Len(t, summary.Groups, 1)
	assert.Equal(t, "first", summary.Groups[0].Group)
	assert.NoDirExists(t, filepath.Join(root, "never"))
	assert.Equal(t, int32(1), fetcher.finished.Load())
}

func TestPipeline_GroupSelection(t *testing.T) {
	disabled := false
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{
		group("on", false, "a.txt"),
		{Name: "off", Directory: "off", Enabled: &disabled, Files: []dataset.File{{Name: "b.txt", ID: "b"}}},
	}}

	t.Run("enabled groups by default", func(t *testing.T) {
		root := t.TempDir()
		p := New(&stubFetcher{}, nil, Options{}, zaptest.NewLogger(t))
		summary, err := p.Run(context.Background(), ds, root, nil)
		require.NoError(t, err)
		require.Len(t, summary.Groups, 1)
		assert.Equal(t, "on", summary.Groups[0].Group)
		assert.NoDirExists(t, filepath.Join(root, "off"))
	})

	t.Run("explicit selection", func(t *testing.T) {
		root := t.TempDir()
		p := New(&stubFetcher{}, nil, Options{}, zaptest.NewLogger(t))
		summary, err := p.Run(context.Background(), ds, root, []string{"off"})
		require.NoError(t, err)
		require.Len(t, summary.Groups, 1)
		assert.FileExists(t, filepath.Join(root, "off", "b.txt"))
	})

	t.Run("unknown group", func(t *testing.T) {
		p := New(&stubFetcher{}, nil, Options{}, zaptest.NewLogger(t))
		_, err := p.Run(context.Background(), ds, t.TempDir(), []string{"missing"})
		require.Error(t, err)
	})

	t.Run("nothing enabled", func(t *testing.T) {
		empty := &dataset.Dataset{Name: "empty", Groups: []dataset.Group{ds.Groups[1]}}
		p := New(&stubFetcher{}, nil, Options{}, zaptest.NewLogger(t))
		_, err := p.Run(context.Background(), empty, t.TempDir(), nil)
		assert.ErrorIs(t, err, ErrNoGroups)
	})
}

func TestPipeline_CancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &stubFetcher{}
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{group("img", false, "a.txt", "b.txt")}}

	p := New(fetcher, nil, Options{Workers: 2}, zaptest.NewLogger(t))
	summary, err := p.Run(ctx, ds, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed())
	assert.ErrorIs(t, summary.Err(), context.Canceled)
	assert.Equal(t, int32(0), fetcher.finished.Load())
}

func TestPipeline_TrackerAndProgressOutput(t *testing.T) {
	reporter := NewMockProgressReporter()
	tracker := NewProgressTracker(reporter)
	var out bytes.Buffer

	fetcher := &stubFetcher{}
	ds := &dataset.Dataset{Name: "test", Groups: []dataset.Group{group("img", true, "a.zip", "b.zip")}}

	p := New(fetcher, &stubExtractor{fetcher: fetcher}, Options{Workers: 2, ProgressOutput: &out, Tracker: tracker, RunID: "run-1"}, zaptest.NewLogger(t))
	summary, err := p.Run(context.Background(), ds, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)

	changes := reporter.GetPhaseChangeCalls()
	require.Len(t, changes, 3)
	assert.Equal(t, PhaseDownloading, changes[0].NewPhase)
	assert.Equal(t, PhaseExtracting, changes[1].NewPhase)
	assert.Equal(t, PhaseComplete, changes[2].NewPhase)
	assert.Equal(t, 1, reporter.GetStopCalls())
	assert.False(t, tracker.IsRunning())

	assert.Contains(t, out.String(), "img downloading")
	assert.Contains(t, out.String(), "img extracting")
}

// driveServer serves fixture files by id and requires the confirm handshake
// for every one of them
func driveServer(t *testing.T, files map[string]string) *httptest.Server {
	const cookie = "download_warning_13058_0B7EVK8r0v71p"
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, ok := files[r.URL.Query().Get("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("confirm") == "" {
			http.SetCookie(w, &http.Cookie{Name: cookie, Value: "t0k3n", Path: "/"})
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html>virus scan warning</html>")
			return
		}
		if _, err := r.Cookie(cookie); err != nil {
			http.Error(w, "session cookie missing", http.StatusForbidden)
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("fixture %s: %v", path, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}))
}

func TestPipeline_SplitArchiveEndToEnd(t *testing.T) {
	files := map[string]string{}
	g := dataset.Group{Name: "img", Directory: "Img/img", Extract: true}
	for i := 1; i <= 6; i++ {
		suffix := volumeSuffix(i)
		id := "0B7EVK8r0v71p" + suffix
		files[id] = filepath.Join(fixtures, "multi.7z."+suffix)
		g.Files = append(g.Files, dataset.File{Name: "a.7z." + suffix, ID: id})
	}
	srv := driveServer(t, files)
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	opts := downloader.DefaultOptions()
	opts.ExportURL = srv.URL + "/uc?export=download"
	opts.HTTPClient = srv.Client()
	fetcher, err := downloader.NewDriveFetcher(opts, logger)
	require.NoError(t, err)

	root := t.TempDir()
	ds := &dataset.Dataset{Name: "fixture", Groups: []dataset.Group{g}}
	p := New(fetcher, extractor.New(logger), Options{Workers: 3}, logger)

	summary, err := p.Run(context.Background(), ds, root, nil)
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	dir := filepath.Join(root, "Img", "img")
	for _, f := range g.Files {
		assert.NoFileExists(t, filepath.Join(dir, f.Name))
		assert.NoFileExists(t, filepath.Join(dir, f.Name+".part"))
	}

	want := fixtureContents(t, filepath.Join(fixtures, "multi.7z.001"))
	for name, data := range want {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "content mismatch for %s", name)
	}

	require.Len(t, summary.Groups, 1)
	assert.Len(t, summary.Groups[0].Downloads.Outcomes, 6)
	assert.Len(t, summary.Groups[0].Extractions.Outcomes, 1)
}

func TestPipeline_MissingVolumeFailsExtraction(t *testing.T) {
	files := map[string]string{
		"v1": filepath.Join(fixtures, "multi.7z.001"),
		"v3": filepath.Join(fixtures, "multi.7z.003"),
	}
	srv := driveServer(t, files)
	defer srv.Close()

	logger := zaptest.NewLogger(t)
	opts := downloader.DefaultOptions()
	opts.ExportURL = srv.URL + "/uc?export=download"
	opts.HTTPClient = srv.Client()
	fetcher, err := downloader.NewDriveFetcher(opts, logger)
	require.NoError(t, err)

	ds := &dataset.Dataset{Name: "fixture", Groups: []dataset.Group{{
		Name: "img", Directory: "img", Extract: true,
		Files: []dataset.File{
			{Name: "a.7z.001", ID: "v1"},
			{Name: "a.7z.002", ID: "v2"}, // not served
			{Name: "a.7z.003", ID: "v3"},
		},
	}}}

	root := t.TempDir()
	summary, err := New(fetcher, extractor.New(logger), Options{Workers: 2}, logger).Run(context.Background(), ds, root, nil)
	require.NoError(t, err)

	gs := summary.Groups[0]
	assert.Len(t, gs.Downloads.Failed(), 1)
	require.Len(t, gs.Extractions.Failed(), 1)
	assert.True(t, extractor.IsExtractError(gs.Extractions.Failed()[0].Err, extractor.ErrorMissingVolume))

	// Volumes stay on disk for a retry
	assert.FileExists(t, filepath.Join(root, "img", "a.7z.001"))
	assert.FileExists(t, filepath.Join(root, "img", "a.7z.003"))
	assert.Error(t, summary.Err())
}

func volumeSuffix(i int) string {
	return string([]byte{'0', '0', byte('0' + i)})
}

func fixtureContents(t *testing.T, path string) map[string][]byte {
	t.Helper()
	r, err := sevenzip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	contents := make(map[string][]byte)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = data
	}
	require.NotEmpty(t, contents)
	return contents
}

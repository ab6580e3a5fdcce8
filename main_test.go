package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/config"
)

// clearEnv keeps the caller's environment out of the configuration
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		config.EnvDataset, config.EnvDatasetFile, config.EnvDownloadDir, config.EnvWorkers,
		config.EnvGroups, config.EnvExistingFiles, config.EnvAllowPartial, config.EnvExportURL,
		config.EnvRetryAttempts, config.EnvInactivityTimeout, config.EnvNoProgress, config.EnvLogLevel,
	} {
		t.Setenv(name, "")
	}
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fixture serves two files by id and writes a dataset definition pointing at them
func fixture(t *testing.T, extraFiles ...string) (exportURL, datasetFile string) {
	t.Helper()
	blobs := map[string][]byte{
		"zipid": zipArchive(t, map[string]string{
			"images/000001.jpg": "first image",
			"images/000002.jpg": "second image",
		}),
		"readmeid": []byte("CelebA readme\n"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := blobs[r.URL.Query().Get("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	var def strings.Builder
	def.WriteString("name: fixture\ndescription: test dataset\ngroups:\n")
	def.WriteString("  - name: images\n    directory: Img\n    extract: true\n    files:\n")
	def.WriteString("      - {name: images.zip, id: zipid}\n")
	for _, name := range extraFiles {
		fmt.Fprintf(&def, "      - {name: %s, id: missing-%s}\n", name, name)
	}
	def.WriteString("  - name: readme\n    directory: .\n    files:\n")
	def.WriteString("      - {name: README.txt, id: readmeid}\n")

	datasetFile = filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(datasetFile, []byte(def.String()), 0o644))
	return srv.URL + "/uc?export=download", datasetFile
}

func TestRun_Success(t *testing.T) {
	clearEnv(t)
	exportURL, datasetFile := fixture(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-dataset-file", datasetFile,
		"-d", dir,
		"-n", "2",
		"-export-url", exportURL,
		"-no-progress",
		"-log-level", "error",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	assert.NoFileExists(t, filepath.Join(dir, "Img", "images.zip"))
	got, err := os.ReadFile(filepath.Join(dir, "Img", "images", "000002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second image", string(got))
	assert.FileExists(t, filepath.Join(dir, "README.txt"))
}

func TestRun_PartialFailure(t *testing.T) {
	clearEnv(t)
	exportURL, datasetFile := fixture(t, "images2.zip")

	args := func(dir string, extra ...string) []string {
		return append([]string{
			"-dataset-file", datasetFile,
			"-d", dir,
			"-export-url", exportURL,
			"-no-progress",
			"-log-level", "fatal",
		}, extra...)
	}

	var stdout, stderr bytes.Buffer
	dir := t.TempDir()
	assert.Equal(t, exitPartial, run(args(dir), &stdout, &stderr))

	// The failed file does not stop the others
	assert.FileExists(t, filepath.Join(dir, "Img", "images", "000001.jpg"))
	assert.FileExists(t, filepath.Join(dir, "README.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "Img", "images2.zip"))

	assert.Equal(t, exitOK, run(args(t.TempDir(), "-allow-partial"), &stdout, &stderr))
}

func TestRun_GroupSelection(t *testing.T) {
	clearEnv(t)
	exportURL, datasetFile := fixture(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-dataset-file", datasetFile,
		"-d", dir,
		"-groups", "readme",
		"-export-url", exportURL,
		"-no-progress",
		"-log-level", "error",
	}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	assert.FileExists(t, filepath.Join(dir, "README.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "Img"))
}

func TestRun_InvalidArguments(t *testing.T) {
	clearEnv(t)
	_, datasetFile := fixture(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-frobnicate"}},
		{"missing directory", []string{"-dataset-file", datasetFile}},
		{"zero workers", []string{"-dataset-file", datasetFile, "-d", "out", "-n", "0"}},
		{"bad existing policy", []string{"-dataset-file", datasetFile, "-d", "out", "-existing", "resume"}},
		{"unknown dataset", []string{"-dataset", "imagenet", "-d", "out", "-log-level", "fatal"}},
		{"unknown group", []string{"-dataset-file", datasetFile, "-d", "out", "-groups", "eval", "-log-level", "fatal"}},
		{"positional argument", []string{"-d", "out", "celeba"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, exitUsage, run(tt.args, &stdout, &stderr))
		})
	}
}

func TestRun_DatasetFileUnreadable(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-dataset-file", filepath.Join(t.TempDir(), "nope.yaml"),
		"-d", t.TempDir(),
		"-log-level", "fatal",
	}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
}

func TestRun_List(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run([]string{"-list"}, &stdout, &stderr))

	out := stdout.String()
	assert.Contains(t, out, "celeba:")
	assert.Contains(t, out, "* img_celeba")
	assert.Contains(t, out, "img_align_celeba")
}

func TestRun_Help(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, run([]string{"-h"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-inactivity-timeout")
}

func TestRun_EnvironmentDefaults(t *testing.T) {
	clearEnv(t)
	exportURL, datasetFile := fixture(t)
	dir := t.TempDir()

	t.Setenv(config.EnvDatasetFile, datasetFile)
	t.Setenv(config.EnvDownloadDir, dir)
	t.Setenv(config.EnvExportURL, exportURL)
	t.Setenv(config.EnvNoProgress, "true")
	t.Setenv(config.EnvLogLevel, "error")

	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(nil, &stdout, &stderr), stderr.String())
	assert.FileExists(t, filepath.Join(dir, "README.txt"))
}

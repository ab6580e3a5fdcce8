package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stevenwalton/DownloadGoogleDriveDatasets/downloader"
	"github.com/stevenwalton/DownloadGoogleDriveDatasets/extractor"
)

// Hint returns a short remedy for a task failure
func Hint(err error) string {
	var fe *downloader.FetchError
	if errors.As(err, &fe) {
		switch fe.Type {
		case downloader.ErrorBadStatus:
			switch {
			case fe.Context["content_type"] != nil:
				return "Drive served a web page instead of the file, often a quota or sharing notice"
			case fe.StatusCode == http.StatusNotFound:
				return "the file id is wrong or the file was removed from Drive"
			case fe.StatusCode == http.StatusForbidden || fe.StatusCode == http.StatusTooManyRequests:
				return "Drive refused the download, usually a daily quota; try again later"
			case fe.StatusCode >= 500:
				return "Drive had a server error; rerun with -retries"
			}
			return "Drive answered with an unexpected status"
		case downloader.ErrorNetworkFailure:
			return "the connection failed; check the network and rerun with -retries"
		case downloader.ErrorTimeout:
			return "no data arrived in time; raise -inactivity-timeout or rerun"
		case downloader.ErrorFileSystemError:
			return "the file could not be written; check free space and permissions"
		case downloader.ErrorCancelled:
			return "interrupted"
		case downloader.ErrorInvalidTask:
			return "the dataset definition is incomplete"
		}
	}

	var ee *extractor.ExtractError
	if errors.As(err, &ee) {
		switch ee.Type {
		case extractor.ErrorMissingVolume:
			return "download the missing volumes first; the others were kept"
		case extractor.ErrorCorruptArchive:
			return "the archive is damaged; delete it and download it again"
		case extractor.ErrorUnsupportedFormat:
			return "this archive format cannot be extracted"
		case extractor.ErrorUnsafeEntry:
			return "the archive writes outside its directory and was refused"
		case extractor.ErrorFileSystemError:
			return "the contents could not be written; check free space and permissions"
		case extractor.ErrorCancelled:
			return "interrupted"
		}
	}

	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	return "unexpected failure"
}

// WriteReport prints a per-group summary and one line per failed task
func WriteReport(w io.Writer, s *Summary) {
	fmt.Fprintf(w, "%s: %d tasks, %d failed, %s downloaded in %s\n",
		s.Dataset, s.Tasks(), s.Failed(), s.HumanBytes(),
		s.Finished.Sub(s.Started).Round(time.Second))

	for _, g := range s.Groups {
		fmt.Fprintf(w, "  %-18s %3d tasks  %3d failed  %8s  %s\n",
			g.Group, g.Tasks(), g.Failed(), humanize.Bytes(uint64(g.Bytes)), g.Directory)

		if g.Downloads != nil {
			for _, o := range g.Downloads.Failed() {
				fmt.Fprintf(w, "    download %s: %v\n      %s\n", o.Task.Filename, o.Err, Hint(o.Err))
			}
		}
		if g.Extractions != nil {
			for _, o := range g.Extractions.Failed() {
				fmt.Fprintf(w, "    extract %s: %v\n      %s\n", filepath.Base(o.Task.ArchivePath), o.Err, Hint(o.Err))
			}
		}
	}
}

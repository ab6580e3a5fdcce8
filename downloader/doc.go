// Package downloader fetches files from the Google Drive export endpoint.
//
// The package defines:
//   - Fetcher: downloads one DownloadTask to disk
//   - DriveFetcher: the Drive implementation, including the confirmation
//     cookie handshake Drive uses for files it cannot virus-scan
//   - Error handling with structured FetchError types
//
// Bodies are streamed in fixed-size chunks into a ".part" file that replaces
// the destination only after the whole body was written.
package downloader

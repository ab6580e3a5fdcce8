// Package extractor unpacks downloaded 7z and zip archives in place and
// deletes them once every entry has been written.
package extractor

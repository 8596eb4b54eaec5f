// Package delivery defines where finished archives go.
package delivery

import (
	"context"
	"encoding/base64"
	"time"
)

// ZipContentType is the media type of archives produced by the exporter.
const ZipContentType = "application/zip"

// Artifact is a finished archive ready to hand off.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte

	// Entries is the number of files in the archive.
	Entries int
}

// DataURI renders the artifact as a base64 data URI.
func (a *Artifact) DataURI() string {
	ct := a.ContentType
	if ct == "" {
		ct = ZipContentType
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// ArchiveName returns the download name for an archive built at now,
// stamped in UTC to the minute.
func ArchiveName(now time.Time) string {
	return "gmail-pdf-" + now.UTC().Format("2006-01-02-15-04") + ".zip"
}

// Sink is the interface that archive destinations must implement.
type Sink interface {
	// Deliver hands the artifact off and returns where it ended up
	// (a path, a message ID, ...).
	Deliver(ctx context.Context, a *Artifact) (string, error)

	// Name returns the human-readable name of this sink.
	Name() string
}

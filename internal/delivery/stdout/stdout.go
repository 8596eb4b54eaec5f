// Package stdout implements a Sink that prints archives as data URIs.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/shineum/pdfzip/internal/delivery"
)

// Sink prints a short summary followed by the archive as a data URI.
type Sink struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Sink that writes to os.Stdout.
func New() *Sink {
	return &Sink{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Sink that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Sink {
	return &Sink{writer: w}
}

// Deliver prints the artifact and returns "stdout".
func (s *Sink) Deliver(_ context.Context, a *delivery.Artifact) (string, error) {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Name: %s\n", a.Name))
	b.WriteString(fmt.Sprintf("Entries: %d\n", a.Entries))
	b.WriteString(fmt.Sprintf("Size: %s\n", humanize.Bytes(uint64(len(a.Data)))))
	b.WriteString(a.DataURI() + "\n")
	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(s.writer, b.String()); err != nil {
		return "", fmt.Errorf("writing archive: %w", err)
	}
	return "stdout", nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "stdout"
}

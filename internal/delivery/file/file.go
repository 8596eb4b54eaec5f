// Package file implements a Sink that saves archives into a directory the
// way a browser download does, never overwriting an existing file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shineum/pdfzip/internal/delivery"
)

// maxAttempts bounds the search for a free " (n)" name.
const maxAttempts = 10000

// Sink writes artifacts into dir.
type Sink struct {
	dir string
}

// New creates a Sink writing into dir. An empty dir means the working
// directory.
func New(dir string) *Sink {
	if dir == "" {
		dir = "."
	}
	return &Sink{dir: dir}
}

// Deliver writes the artifact and returns the path it was saved under.
// When the name is taken, " (1)", " (2)", ... is inserted before the
// extension.
func (s *Sink) Deliver(ctx context.Context, a *delivery.Artifact) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	name := filepath.Base(a.Name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(s.dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", path, err)
		}

		if _, err := f.Write(a.Data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("closing %s: %w", path, err)
		}

		slog.Debug("archive saved", "path", path, "bytes", len(a.Data))
		return path, nil
	}

	return "", fmt.Errorf("no free file name for %s in %s", name, s.dir)
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "file"
}

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shineum/pdfzip/internal/delivery"
)

func TestDeliver_WritesArchive(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "downloads")
	s := New(dir)

	path, err := s.Deliver(context.Background(), &delivery.Artifact{Name: "gmail-pdf-2024-01-01-00-00.zip", Data: []byte("zip")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "gmail-pdf-2024-01-01-00-00.zip"); path != want {
		t.Errorf("path: got %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "zip" {
		t.Errorf("file contents: got %q, %v", data, err)
	}
}

func TestDeliver_UniquifiesName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(dir)
	a := &delivery.Artifact{Name: "export.zip", Data: []byte("1")}

	want := []string{"export.zip", "export (1).zip", "export (2).zip"}
	for i, w := range want {
		path, err := s.Deliver(context.Background(), a)
		if err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
		if filepath.Base(path) != w {
			t.Errorf("deliver %d: got %q, want %q", i, filepath.Base(path), w)
		}
	}
}

func TestDeliver_StripsDirectoryFromName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := New(dir).Deliver(context.Background(), &delivery.Artifact{Name: "../escape.zip"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path escaped the directory: %q", path)
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New("").Name(); got != "file" {
		t.Errorf("Name(): got %q, want %q", got, "file")
	}
}

package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(_ context.Context) error { return p.err }

func TestPing(t *testing.T) {
	c := Ping("archive", fakePinger{})
	if c.Name != "archive" {
		t.Errorf("Name = %q, want %q", c.Name, "archive")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v, want nil", err)
	}

	wantErr := errors.New("pool closed")
	c = Ping("archive", fakePinger{err: wantErr})
	if err := c.Check(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Check() error = %v, want %v", err, wantErr)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ggml-small.en.bin")
	if err := os.WriteFile(path, []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := FileExists("model", path).Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v for existing file", err)
	}
	if err := FileExists("model", filepath.Join(dir, "missing.bin")).Check(context.Background()); err == nil {
		t.Error("Check() expected error for missing file")
	}
	if err := FileExists("model", dir).Check(context.Background()); err == nil {
		t.Error("Check() expected error for directory path")
	}
}

func TestDirWritable(t *testing.T) {
	dir := t.TempDir()

	if err := DirWritable("output", dir).Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v for writable dir", err)
	}

	// Probe file must not be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	if err := DirWritable("output", filepath.Join(dir, "missing")).Check(context.Background()); err == nil {
		t.Error("Check() expected error for missing dir")
	}

	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := DirWritable("output", file).Check(context.Background()); err == nil {
		t.Error("Check() expected error for non-directory path")
	}
}

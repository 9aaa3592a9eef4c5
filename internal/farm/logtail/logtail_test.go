package logtail

import (
	"os"
	"path/filepath"
	"testing"
)

func appendTo(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	tl := New(filepath.Join(t.TempDir(), "worker.log"))
	out, err := tl.ReadNewOutput()
	if err != nil {
		t.Fatalf("ReadNewOutput: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output, got %q", out)
	}
}

func TestReturnsOnlyAppendedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	tl := New(path)

	appendTo(t, path, "abc")
	if out, _ := tl.ReadNewOutput(); out != "abc" {
		t.Fatalf("first read = %q", out)
	}

	appendTo(t, path, "def")
	if out, _ := tl.ReadNewOutput(); out != "def" {
		t.Fatalf("second read = %q", out)
	}

	if out, _ := tl.ReadNewOutput(); out != "" {
		t.Fatalf("expected nothing new, got %q", out)
	}
	if tl.Offset() != 6 {
		t.Errorf("offset = %d, want 6", tl.Offset())
	}
}

func TestTruncatedFileRestartsFromZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	tl := New(path)

	appendTo(t, path, "a long first generation\n")
	if _, err := tl.ReadNewOutput(); err != nil {
		t.Fatalf("ReadNewOutput: %v", err)
	}

	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	out, err := tl.ReadNewOutput()
	if err != nil {
		t.Fatalf("ReadNewOutput: %v", err)
	}
	if out != "new\n" {
		t.Errorf("expected rotated content, got %q", out)
	}
}

func TestFileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	tl := New(path)

	if out, _ := tl.ReadNewOutput(); out != "" {
		t.Fatalf("expected empty, got %q", out)
	}
	appendTo(t, path, "booted\n")
	if out, _ := tl.ReadNewOutput(); out != "booted\n" {
		t.Errorf("got %q", out)
	}
}

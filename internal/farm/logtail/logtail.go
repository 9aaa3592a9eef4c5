// Package logtail reads what a worker appended to its log file since the
// last look.
package logtail

import (
	"fmt"
	"io"
	"os"
)

// Tailer remembers a byte offset into one log file. It is not safe for
// concurrent use; the owning supervisor serializes calls.
type Tailer struct {
	path   string
	offset int64
}

// New returns a tailer positioned at the start of path. The file does not
// need to exist yet.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// Path returns the tailed file.
func (t *Tailer) Path() string {
	return t.path
}

// Offset returns the cursor position.
func (t *Tailer) Offset() int64 {
	return t.offset
}

// ReadNewOutput returns the bytes appended since the previous call. A
// missing file yields an empty string. A file that shrank below the cursor
// was truncated or rotated, so reading restarts from the beginning.
func (t *Tailer) ReadNewOutput() (string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("logtail: open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("logtail: stat %s: %w", t.path, err)
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return "", nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("logtail: seek %s: %w", t.path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("logtail: read %s: %w", t.path, err)
	}
	t.offset += int64(len(data))
	return string(data), nil
}

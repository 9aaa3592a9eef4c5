package supervisor

import (
	"strings"
	"sync"
)

// DefaultTrailLimit bounds the diagnostic trail kept per task.
const DefaultTrailLimit = 4 << 20

// trail accumulates worker stdout and log output for the current task.
// When it outgrows its limit the oldest half is dropped.
type trail struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
	cut   bool
}

func newTrail(limit int) *trail {
	if limit <= 0 {
		limit = DefaultTrailLimit
	}
	return &trail{limit: limit}
}

func (t *trail) add(source, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		t.buf.WriteString("[")
		t.buf.WriteString(source)
		t.buf.WriteString("] ")
		t.buf.WriteString(line)
		if !strings.HasSuffix(line, "\n") {
			t.buf.WriteByte('\n')
		}
	}

	if t.buf.Len() > t.limit {
		kept := t.buf.String()[t.buf.Len()-t.limit/2:]
		if i := strings.IndexByte(kept, '\n'); i >= 0 {
			kept = kept[i+1:]
		}
		t.buf.Reset()
		t.buf.WriteString(kept)
		t.cut = true
	}
}

func (t *trail) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
	t.cut = false
}

func (t *trail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cut {
		return "[trail] earlier output dropped\n" + t.buf.String()
	}
	return t.buf.String()
}

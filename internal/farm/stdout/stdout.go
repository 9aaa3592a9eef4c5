// Package stdout watches the worker's standard output for warning and
// error markers.
package stdout

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Kind classifies one line of worker output.
type Kind int

const (
	Plain Kind = iota
	Warning
	Error
)

func (k Kind) String() string {
	switch k {
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return "plain"
}

var (
	warningPattern = regexp.MustCompile(`WARNING:.*`)
	errorPattern   = regexp.MustCompile(`ERROR:(.*)`)
)

// Line is a classified line. Text is the whole WARNING match for warnings,
// the message after the marker for errors and the raw line otherwise.
type Line struct {
	Kind Kind
	Text string
	// Warning holds the WARNING match of an error line that carries both
	// markers, so the warning is still reported.
	Warning string
}

// Classify inspects one line. A line with both markers is an Error whose
// Warning field keeps the warning text; the classifier logs both.
func Classify(line string) Line {
	if m := errorPattern.FindStringSubmatch(line); m != nil {
		return Line{Kind: Error, Text: m[1], Warning: warningPattern.FindString(line)}
	}
	if m := warningPattern.FindString(line); m != "" {
		return Line{Kind: Warning, Text: m}
	}
	return Line{Kind: Plain, Text: line}
}

const maxLineSize = 1 << 20

// Classifier consumes a process output stream. The first error marker
// becomes the task's failure; everything else is logged and rendering
// carries on.
type Classifier struct {
	log  *logger.Logger
	sink func(string)

	mu       sync.Mutex
	err      error
	lastLine time.Time
	done     chan struct{}
	failure  chan struct{}
}

// New returns a classifier. sink, when set, receives every raw line.
func New(log *logger.Logger, sink func(line string)) *Classifier {
	if log == nil {
		log = logger.Discard()
	}
	return &Classifier{
		log:  log.WithComponent("stdout"),
		sink:    sink,
		done:    make(chan struct{}),
		failure: make(chan struct{}),
	}
}

// Watch reads r until EOF. It is meant to run on its own goroutine, one
// per process.
func (c *Classifier) Watch(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		c.handle(strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("stdout stream ended with error", "error", err.Error())
	}
}

func (c *Classifier) handle(raw string) {
	line := Classify(raw)

	c.mu.Lock()
	c.lastLine = time.Now()
	first := line.Kind == Error && c.err == nil
	if first {
		c.err = errors.StdoutFailure(line.Text)
		close(c.failure)
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink(raw)
	}

	switch line.Kind {
	case Warning:
		c.log.Warn(line.Text)
	case Error:
		if line.Warning != "" {
			c.log.Warn(line.Warning)
		}
		if first {
			c.log.Error("Detected an error: " + line.Text)
		} else {
			c.log.Error("additional error after task failure", "message", line.Text)
		}
	default:
		c.log.Debug(line.Text)
	}
}

// Err returns the recorded failure, if any.
func (c *Classifier) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Failed reports whether an error marker was seen.
func (c *Classifier) Failed() bool {
	return c.Err() != nil
}

// Failure is closed when the first error marker is seen. Err returns the
// failure from then on.
func (c *Classifier) Failure() <-chan struct{} {
	return c.failure
}

// Done is closed once the stream hits EOF.
func (c *Classifier) Done() <-chan struct{} {
	return c.done
}

// Settle blocks until no line has arrived for quiet, counting from the
// call, or until the stream ends. It lets output caused by the previous
// command be attributed before the next one is sent.
func (c *Classifier) Settle(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	start := time.Now()
	for {
		c.mu.Lock()
		last := c.lastLine
		c.mu.Unlock()
		if last.Before(start) {
			last = start
		}

		wait := quiet - time.Since(last)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

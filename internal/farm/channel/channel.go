// Package channel is the standing command connection to a booted worker.
//
// Exchanges are strictly one command, one response. There are no request
// IDs, so only one command may be in flight; Send serializes callers.
// Once any exchange fails the channel is broken for good and the session
// that owns it has to be replaced.
package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Framing selects how commands and responses are delimited on the wire.
type Framing string

const (
	// FramingRaw writes the command as-is and performs a single bounded
	// read for the response. A response that fills the buffer may have
	// more bytes behind it, so it breaks the channel.
	FramingRaw Framing = "raw"
	// FramingLengthPrefixed puts a 4-byte big-endian length before every
	// command and response.
	FramingLengthPrefixed Framing = "length-prefixed"
)

const (
	DefaultResponseBufferSize = 4096
	DefaultMaxFrameSize       = 16 << 20
	DefaultCommandTimeout     = 30 * time.Minute
)

// ParseFraming accepts the names used in config and environment.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingLengthPrefixed, "length_prefixed", "framed":
		return FramingLengthPrefixed, nil
	}
	return "", fmt.Errorf("channel: unknown framing %q", s)
}

// Options configures a Channel. Zero values select the defaults.
type Options struct {
	Framing            Framing
	ResponseBufferSize int
	MaxFrameSize       int
	// CommandTimeout bounds one exchange. Negative disables the bound.
	CommandTimeout time.Duration
	Logger         *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Framing == "" {
		o.Framing = FramingRaw
	}
	if o.ResponseBufferSize <= 0 {
		o.ResponseBufferSize = DefaultResponseBufferSize
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// Response is the worker's answer to one command.
type Response struct {
	Body []byte
}

// Channel owns one command connection.
type Channel struct {
	mu     sync.Mutex
	conn   net.Conn
	opts   Options
	log    *logger.Logger
	broken error
}

// New wraps an established connection.
func New(conn net.Conn, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		conn: conn,
		opts: opts,
		log:  opts.Logger.WithComponent("channel"),
	}
}

// Send transmits one command and waits for its response. Cancelling ctx
// aborts the exchange and breaks the channel, since the position of the
// stream relative to the worker is no longer known.
func (c *Channel) Send(ctx context.Context, command []byte) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return Response{}, errors.ChannelBroken("channel.send", c.broken)
	}

	deadline := time.Time{}
	if c.opts.CommandTimeout > 0 {
		deadline = time.Now().Add(c.opts.CommandTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, c.fail("channel.deadline", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := c.exchange(command)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, c.fail("channel.send", context.Cause(ctx))
		}
		if isTimeout(err) {
			e := c.fail("channel.send", err)
			e.Message = fmt.Sprintf("command timed out after %s", c.opts.CommandTimeout)
			return Response{}, e.WithField("timeout", c.opts.CommandTimeout.String())
		}
		return Response{}, c.fail("channel.send", err)
	}

	if c.opts.Framing != FramingLengthPrefixed && len(resp.Body) == c.opts.ResponseBufferSize {
		// The rest of an overlong answer would be read as the next
		// command's response.
		e := c.fail("channel.send", fmt.Errorf("raw response filled the %d byte read buffer", c.opts.ResponseBufferSize))
		e.Message = "response may be truncated"
		return Response{}, e.WithField("buffer_size", c.opts.ResponseBufferSize)
	}
	c.log.Debug("command exchanged", "sent", len(command), "received", len(resp.Body))
	return resp, nil
}

func (c *Channel) exchange(command []byte) (Response, error) {
	switch c.opts.Framing {
	case FramingLengthPrefixed:
		if err := WriteFrame(c.conn, command); err != nil {
			return Response{}, err
		}
		body, err := ReadFrame(c.conn, c.opts.MaxFrameSize)
		if err != nil {
			return Response{}, err
		}
		return Response{Body: body}, nil
	default:
		if _, err := c.conn.Write(command); err != nil {
			return Response{}, err
		}
		buf := make([]byte, c.opts.ResponseBufferSize)
		n, err := c.conn.Read(buf)
		if n == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return Response{}, err
		}
		return Response{Body: buf[:n]}, nil
	}
}

// fail marks the channel broken and closes the connection. Caller holds mu.
func (c *Channel) fail(op string, cause error) *errors.Error {
	c.broken = cause
	_ = c.conn.Close()
	c.log.Error("command channel broken", "op", op, "error", cause.Error())
	return errors.ChannelBroken(op, cause)
}

// Broken reports whether the channel can no longer be used.
func (c *Channel) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken != nil
}

// Close tears the connection down. Later sends fail fast.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = net.ErrClosed
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteFrame writes payload preceded by its 4-byte big-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame. Frames larger than max are
// rejected without reading the body.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if max > 0 && int64(size) > int64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

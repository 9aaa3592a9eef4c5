// Package handshake implements the boot rendezvous between the supervisor
// and a worker whose startup time is unknown.
//
// The supervisor binds the rendezvous port before the worker is launched.
// Once the worker has opened its command port it dials the rendezvous port;
// the connection carries no payload, its arrival is the signal. The
// supervisor then dials the worker's command port and keeps that
// connection for the rest of the session.
package handshake

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

// DefaultRetryInterval is the pause between refused dials.
const DefaultRetryInterval = 250 * time.Millisecond

// Rendezvous is the supervisor's listening side of the boot handshake.
type Rendezvous struct {
	ln        net.Listener
	closeOnce sync.Once
}

// Listen binds the rendezvous address.
func Listen(addr string) (*Rendezvous, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("handshake: listen %s: %w", addr, err)
	}
	return &Rendezvous{ln: ln}, nil
}

// Addr returns the bound address.
func (r *Rendezvous) Addr() string {
	return r.ln.Addr().String()
}

// Close releases the listener. Safe to call more than once.
func (r *Rendezvous) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.ln.Close() })
	return err
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Await accepts exactly one readiness connection and closes the listener.
// It returns a BootTimeout error when nothing connects within timeout, and
// the context's cause when ctx ends first (the supervisor cancels it when
// the worker process exits before signalling).
func (r *Rendezvous) Await(ctx context.Context, timeout time.Duration) error {
	defer r.Close()

	results := make(chan acceptResult, 1)
	go func() {
		conn, err := r.ln.Accept()
		results <- acceptResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return errors.Wrap(res.err, "handshake.await", "rendezvous accept failed")
		}
		// The ping carries no payload.
		_ = res.conn.Close()
		return nil
	case <-timer.C:
		r.drain(results)
		return errors.BootTimeout(timeout)
	case <-ctx.Done():
		r.drain(results)
		return context.Cause(ctx)
	}
}

// drain unblocks the accept goroutine and discards a late connection.
func (r *Rendezvous) drain(results <-chan acceptResult) {
	_ = r.Close()
	if res := <-results; res.conn != nil {
		_ = res.conn.Close()
	}
}

// DialCommand opens the standing command connection to the worker,
// retrying refused dials until timeout elapses.
func DialCommand(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialRetry(ctx, addr, DefaultRetryInterval)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.WrapWithCode(err, errors.CodeBootTimeout, "handshake.dial_command",
				fmt.Sprintf("command port %s not reachable within %s", addr, timeout))
		}
		return nil, errors.Wrap(err, "handshake.dial_command", "command port dial failed")
	}
	return conn, nil
}

// SignalReady is the worker's half of the handshake: it dials the
// rendezvous address and hangs up. A worker that comes up before the
// supervisor listens keeps retrying instead of failing.
func SignalReady(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	conn, err := dialRetry(ctx, addr, interval)
	if err != nil {
		return fmt.Errorf("handshake: signal ready: %w", err)
	}
	return conn.Close()
}

func dialRetry(ctx context.Context, addr string, interval time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", addr, ctx.Err(), err)
		case <-time.After(interval):
		}
	}
}

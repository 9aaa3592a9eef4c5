package shutdown

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

func newTestLogger() *logger.Logger {
	var buf bytes.Buffer
	return logger.New(logger.Config{
		Level:  "debug",
		Format: "json",
		Output: &buf,
	})
}

func TestNewManager(t *testing.T) {
	t.Run("with default timeout", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 0)
		if mgr.timeout != 30*time.Second {
			t.Errorf("expected default timeout 30s, got %s", mgr.timeout)
		}
	})

	t.Run("without logger", func(t *testing.T) {
		if NewManager(nil, time.Second) == nil {
			t.Fatal("expected manager to be non-nil")
		}
	})
}

func TestRegister(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	mgr.Register("session", func(ctx context.Context) error { return nil })

	if len(mgr.handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(mgr.handlers))
	}
	if mgr.handlers[0].Name != "session" {
		t.Errorf("expected handler name 'session', got %s", mgr.handlers[0].Name)
	}
}

func TestShutdownRunsHandlersInLIFOOrder(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var order []string
	for _, name := range []string{"postgres", "redis", "http-server", "session"} {
		name := name
		mgr.RegisterSimple(name, func() { order = append(order, name) })
	}

	mgr.Shutdown()

	want := []string{"session", "http-server", "redis", "postgres"}
	if len(order) != len(want) {
		t.Fatalf("expected %d handlers called, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownContinuesAfterHandlerError(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var ran bool
	mgr.RegisterSimple("first", func() { ran = true })
	mgr.Register("failing", func(ctx context.Context) error {
		return errors.New("close failed")
	})

	mgr.Shutdown()

	if !ran {
		t.Error("expected handler registered before the failing one to run")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	calls := 0
	mgr.RegisterSimple("count", func() { calls++ })

	mgr.Shutdown()
	mgr.Shutdown()

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

func TestDone(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	select {
	case <-mgr.Done():
		t.Error("expected done channel to not be closed initially")
	default:
	}

	mgr.Shutdown()

	select {
	case <-mgr.Done():
	case <-time.After(time.Second):
		t.Error("expected done channel to be closed after shutdown")
	}
}

func TestContext(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)
	ctx := mgr.Context()

	select {
	case <-ctx.Done():
		t.Error("expected context to not be canceled initially")
	default:
	}

	mgr.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("expected context to be canceled after shutdown")
	}
}

func TestWaitWithContext(t *testing.T) {
	mgr := NewManager(newTestLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mgr.WaitWithContext(ctx)

	select {
	case <-mgr.Done():
	default:
		t.Error("expected shutdown to complete after context cancellation")
	}
}

func TestShutdownTimeout(t *testing.T) {
	mgr := NewManager(newTestLogger(), 100*time.Millisecond)

	var secondRan bool
	mgr.RegisterSimple("after-slow", func() { secondRan = true })
	mgr.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	mgr.Shutdown()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
	if secondRan {
		t.Error("expected handlers after the deadline to be skipped")
	}
}

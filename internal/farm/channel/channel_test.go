package channel

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// rawServer answers every raw command with reply(command).
func rawServer(t *testing.T, conn net.Conn, reply func([]byte) []byte) {
	t.Helper()
	go func() {
		defer conn.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(reply(buf[:n])); err != nil {
				return
			}
		}
	}()
}

func framedServer(t *testing.T, conn net.Conn, reply func([]byte) []byte) {
	t.Helper()
	go func() {
		defer conn.Close()
		for {
			cmd, err := ReadFrame(conn, 0)
			if err != nil {
				return
			}
			if err := WriteFrame(conn, reply(cmd)); err != nil {
				return
			}
		}
	}()
}

func TestSendRaw(t *testing.T) {
	client, server := net.Pipe()
	rawServer(t, server, func(cmd []byte) []byte { return append([]byte("ok:"), cmd...) })

	ch := New(client, Options{})
	defer ch.Close()

	resp, err := ch.Send(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(resp.Body) != "ok:hello" {
		t.Errorf("unexpected response %q", resp.Body)
	}
}

func TestSendRawFullBufferBreaksChannel(t *testing.T) {
	client, server := net.Pipe()
	// One overlong answer, then the reply a second command would get.
	replies := [][]byte{bytes.Repeat([]byte("A"), 5000), []byte("B")}
	go func() {
		defer server.Close()
		buf := make([]byte, 1024)
		for _, reply := range replies {
			if _, err := server.Read(buf); err != nil {
				return
			}
			if _, err := server.Write(reply); err != nil {
				return
			}
		}
	}()

	var buf bytes.Buffer
	log := logger.New(logger.Config{Output: &buf, Level: "debug", Format: "json"})

	ch := New(client, Options{Logger: log})
	defer ch.Close()

	_, err := ch.Send(context.Background(), []byte("big"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected channel broken, got %v", err)
	}
	if !strings.Contains(err.Error(), "response may be truncated") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !ch.Broken() {
		t.Error("channel should be broken after a full-buffer read")
	}

	resp, err := ch.Send(context.Background(), []byte("next"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("second send must fail, got %q, %v", resp.Body, err)
	}
	if len(resp.Body) != 0 {
		t.Errorf("stale bytes returned to the next command: %d", len(resp.Body))
	}
	if !strings.Contains(buf.String(), "command channel broken") {
		t.Errorf("expected broken channel logged, got %s", buf.String())
	}
}

func TestSendRawShortResponseKeepsChannel(t *testing.T) {
	client, server := net.Pipe()
	rawServer(t, server, func(cmd []byte) []byte { return bytes.Repeat([]byte("x"), 15) })

	ch := New(client, Options{ResponseBufferSize: 16})
	defer ch.Close()

	for i := 0; i < 2; i++ {
		resp, err := ch.Send(context.Background(), []byte("cmd"))
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if len(resp.Body) != 15 {
			t.Errorf("Send %d: got %d bytes", i, len(resp.Body))
		}
	}
}

func TestSendLengthPrefixed(t *testing.T) {
	client, server := net.Pipe()
	big := bytes.Repeat([]byte("y"), 10000)
	framedServer(t, server, func(cmd []byte) []byte {
		if string(cmd) == "big" {
			return big
		}
		return cmd
	})

	ch := New(client, Options{Framing: FramingLengthPrefixed})
	defer ch.Close()

	resp, err := ch.Send(context.Background(), []byte("big"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(resp.Body, big) {
		t.Errorf("expected %d bytes, got %d", len(big), len(resp.Body))
	}

	resp, err = ch.Send(context.Background(), []byte("again"))
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if string(resp.Body) != "again" {
		t.Errorf("unexpected response %q", resp.Body)
	}
}

func TestSendTimeoutBreaksChannel(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		// Swallow the command and never answer.
		_, _ = io.Copy(io.Discard, server)
	}()
	defer server.Close()

	ch := New(client, Options{CommandTimeout: 50 * time.Millisecond})

	_, err := ch.Send(context.Background(), []byte("render"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected channel broken, got %v", err)
	}
	if _, ok := errors.GetFields(err)["timeout"]; !ok {
		t.Errorf("expected timeout field, got %v", errors.GetFields(err))
	}
	if !ch.Broken() {
		t.Error("expected channel to be broken")
	}

	start := time.Now()
	_, err = ch.Send(context.Background(), []byte("next"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected fast failure, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("send on broken channel should fail fast")
	}
}

func TestSendFailsWhenPeerCloses(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 16)
		_, _ = server.Read(buf)
		server.Close()
	}()

	ch := New(client, Options{})
	_, err := ch.Send(context.Background(), []byte("cmd"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected channel broken, got %v", err)
	}
}

func TestSendCancelled(t *testing.T) {
	client, server := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, server) }()
	defer server.Close()

	ch := New(client, Options{CommandTimeout: -1})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := ch.Send(ctx, []byte("cmd"))
	if !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected channel broken, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation cause, got %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ch := New(client, Options{})
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := ch.Send(context.Background(), []byte("x")); !errors.IsCode(err, errors.CodeChannelBroken) {
		t.Fatalf("expected channel broken, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, bytes.Repeat([]byte("z"), 100)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadFrame(&buf, 10); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestParseFraming(t *testing.T) {
	tests := []struct {
		in      string
		want    Framing
		wantErr bool
	}{
		{"", FramingRaw, false},
		{"raw", FramingRaw, false},
		{"length-prefixed", FramingLengthPrefixed, false},
		{"Framed", FramingLengthPrefixed, false},
		{"zmq", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFraming(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

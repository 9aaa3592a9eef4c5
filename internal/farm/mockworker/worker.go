// Package mockworker is a stand-in for the worker application. It speaks
// the worker side of every protocol the supervisor uses: it opens the
// command port, dials the rendezvous port, executes dispatch commands
// against a scene fixture, prints to stdout, appends to its log file and
// writes image files the way real renderers lay them out.
package mockworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tokejepsen/mayasequence/internal/contracts/worker/v1"
	"github.com/tokejepsen/mayasequence/internal/farm/channel"
	"github.com/tokejepsen/mayasequence/internal/farm/handshake"
	"github.com/tokejepsen/mayasequence/internal/farm/portalloc"
)

// Config wires one mock worker.
type Config struct {
	Ports          portalloc.Pair
	Framing        channel.Framing
	LogPath        string
	Stdout         io.Writer
	Scene          Scene
	Faults         Faults
	SignalInterval time.Duration
}

// Worker serves a single supervisor connection.
type Worker struct {
	cfg Config

	mu       sync.Mutex
	opened   string
	rule     string
	layer    string
	frame    int
	commands int
}

var errDrop = errors.New("mockworker: dropping connection")

// New returns a worker for cfg.
func New(cfg Config) *Worker {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Framing == "" {
		cfg.Framing = channel.FramingRaw
	}
	return &Worker{cfg: cfg, rule: cfg.Scene.OutputRule}
}

// Run opens the command port, signals readiness and serves commands until
// the supervisor hangs up or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.Ports.CommandAddr())
	if err != nil {
		return fmt.Errorf("mockworker: open command port: %w", err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	w.println("Command port is open.")
	w.logf("command port %s open", ln.Addr())

	if !w.cfg.Faults.SkipSignal {
		if err := handshake.SignalReady(ctx, w.cfg.Ports.RendezvousAddr(), w.cfg.SignalInterval); err != nil {
			return err
		}
	}

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mockworker: accept: %w", err)
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	err = w.serve(ctx, conn)
	if ctx.Err() != nil || errors.Is(err, errDrop) {
		return nil
	}
	return err
}

// Commands returns how many commands were handled.
func (w *Worker) Commands() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commands
}

func (w *Worker) serve(ctx context.Context, conn net.Conn) error {
	buf := make([]byte, 64*1024)
	for {
		var script []byte
		if w.cfg.Framing == channel.FramingLengthPrefixed {
			frame, err := channel.ReadFrame(conn, 0)
			if err != nil {
				return eofIsNil(err)
			}
			script = frame
		} else {
			n, err := conn.Read(buf)
			if err != nil {
				return eofIsNil(err)
			}
			script = buf[:n]
		}

		resp, err := w.handle(ctx, script)
		if err != nil {
			return err
		}

		if w.cfg.Framing == channel.FramingLengthPrefixed {
			err = channel.WriteFrame(conn, resp)
		} else {
			_, err = conn.Write(resp)
		}
		if err != nil {
			return err
		}
	}
}

func eofIsNil(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) handle(ctx context.Context, script []byte) ([]byte, error) {
	w.mu.Lock()
	w.commands++
	w.mu.Unlock()

	req, err := v1.DecodeCommand(script)
	if err != nil {
		// An interpreter would run arbitrary script; the mock only knows
		// dispatch calls.
		return []byte(fmt.Sprintf("# Error: %v", err)), nil
	}

	result, err := w.dispatch(ctx, req)
	if errors.Is(err, errDrop) {
		return nil, err
	}
	if err != nil {
		w.logf("%s failed: %v", req.Op, err)
		return v1.Failure(err.Error()), nil
	}
	body, err := v1.Success(result)
	if err != nil {
		return v1.Failure(err.Error()), nil
	}
	return body, nil
}

func (w *Worker) dispatch(ctx context.Context, req v1.Request) (any, error) {
	scene := w.cfg.Scene

	switch req.Op {
	case v1.OpDisableCaching:
		w.logf("result caching disabled")
		return nil, nil

	case v1.OpOpenScene:
		var args v1.OpenSceneArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if w.cfg.Faults.MissingModule {
			return nil, fmt.Errorf("ImportError: No module named mtoa")
		}
		if msg := w.cfg.Faults.OpenSceneError; msg != "" {
			return nil, errors.New(msg)
		}
		if strings.Contains(args.Path, `\`) {
			return nil, fmt.Errorf("unnormalized scene path %q", args.Path)
		}
		w.mu.Lock()
		w.opened = args.Path
		w.mu.Unlock()
		w.println("Opened scene: " + args.Path)
		w.logf("scene %s opened", args.Path)
		return nil, nil

	case v1.OpOutputRule:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.rule, nil

	case v1.OpSetOutputRule:
		var args v1.OutputRuleArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.rule = args.Rule
		w.mu.Unlock()
		w.logf("images rule set to %s", args.Rule)
		return nil, nil

	case v1.OpRenderLayers:
		return scene.Layers, nil

	case v1.OpSwitchLayer:
		var args v1.SwitchLayerArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		for _, l := range scene.Layers {
			if l.Name == args.Layer {
				w.mu.Lock()
				w.layer = l.Name
				w.mu.Unlock()
				w.println("Switching to: " + l.Name)
				return nil, nil
			}
		}
		return nil, fmt.Errorf("no render layer %q", args.Layer)

	case v1.OpSetFrameRange:
		var args v1.FrameRangeArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.frame = args.Start
		w.mu.Unlock()
		return nil, nil

	case v1.OpCameras:
		return scene.Cameras, nil

	case v1.OpCurrentRenderer:
		return scene.Renderer, nil

	case v1.OpSequenceProcedure:
		var args v1.SequenceProcedureArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return args.Renderer + "SequenceRender", nil

	case v1.OpResolution:
		return v1.Resolution{Width: scene.Width, Height: scene.Height}, nil

	case v1.OpRender:
		var args v1.RenderArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return nil, w.render(ctx, args)
	}
	return nil, fmt.Errorf("unknown op %q", req.Op)
}

func (w *Worker) render(ctx context.Context, args v1.RenderArgs) error {
	w.mu.Lock()
	layer, frame, rule, opened := w.layer, w.frame, w.rule, w.opened
	w.mu.Unlock()

	if opened == "" {
		return errors.New("no scene open")
	}
	faults := w.cfg.Faults

	w.println(fmt.Sprintf("Rendering frame: %d", frame))
	if faults.WarningAtFrame != 0 && frame == faults.WarningAtFrame {
		w.println(fmt.Sprintf("// WARNING: frame %d uses a deprecated shader", frame))
	}
	if faults.ErrorAtFrame != 0 && frame == faults.ErrorAtFrame {
		w.println(fmt.Sprintf("// ERROR: failed to render frame %d", frame))
	}
	if faults.DropAtFrame != 0 && frame == faults.DropAtFrame {
		return errDrop
	}
	if faults.HangAtFrame != 0 && frame == faults.HangAtFrame {
		<-ctx.Done()
		return ctx.Err()
	}

	if !filepath.IsAbs(filepath.FromSlash(rule)) {
		return fmt.Errorf("output rule %q is not redirected", rule)
	}
	name := strings.TrimSuffix(path.Base(opened), path.Ext(opened))
	rel := outputPath(w.cfg.Scene.Renderer, name, layer, frame)
	dest := filepath.Join(filepath.FromSlash(rule), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	meta, _ := json.Marshal(args)
	if err := os.WriteFile(dest, meta, 0o644); err != nil {
		return err
	}
	w.logf("%s: rendered %s frame %d with %s to %s", args.Procedure, layer, frame, args.Camera, rel)
	return nil
}

func (w *Worker) println(line string) {
	fmt.Fprintln(w.cfg.Stdout, line)
}

func (w *Worker) logf(format string, args ...any) {
	if w.cfg.LogPath == "" {
		return
	}
	f, err := os.OpenFile(w.cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

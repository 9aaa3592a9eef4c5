package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tokejepsen/mayasequence/internal/farm/session"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

type rendered struct {
	Layer string
	Frame int
	Inv   Invocation
}

// fakeHost is an in-memory worker. When layout is set, every render writes
// the returned paths (relative to the current output rule) to disk.
type fakeHost struct {
	layers   []Layer
	cameras  []Camera
	renderer string
	rule     string
	openErr  error
	failAt   int
	layout   func(layer Layer, frame int) []string

	calls       []string
	openedPaths []string
	switches    []string
	rendered    []rendered

	current Layer
	frame   int
}

func (h *fakeHost) record(call string) { h.calls = append(h.calls, call) }

func (h *fakeHost) DisableResultCaching(context.Context) error {
	h.record("disable_caching")
	return nil
}

func (h *fakeHost) OpenScene(_ context.Context, path string) error {
	h.record("open_scene")
	h.openedPaths = append(h.openedPaths, path)
	return h.openErr
}

func (h *fakeHost) OutputRule(context.Context) (string, error) {
	h.record("output_rule")
	return h.rule, nil
}

func (h *fakeHost) SetOutputRule(_ context.Context, rule string) error {
	h.record("set_output_rule")
	h.rule = rule
	return nil
}

func (h *fakeHost) RenderLayers(context.Context) ([]Layer, error) {
	h.record("render_layers")
	return h.layers, nil
}

func (h *fakeHost) SwitchLayer(_ context.Context, layer Layer) error {
	h.record("switch_layer")
	h.switches = append(h.switches, layer.Name)
	h.current = layer
	return nil
}

func (h *fakeHost) SetFrameRange(_ context.Context, start, end int) error {
	h.record("set_frame_range")
	if start != end {
		return fmt.Errorf("expected a single frame, got %d-%d", start, end)
	}
	h.frame = start
	return nil
}

func (h *fakeHost) Cameras(context.Context) ([]Camera, error) {
	h.record("cameras")
	return h.cameras, nil
}

func (h *fakeHost) CurrentRenderer(context.Context) (string, error) {
	h.record("current_renderer")
	if h.renderer == "" {
		return "arnold", nil
	}
	return h.renderer, nil
}

func (h *fakeHost) SequenceProcedure(_ context.Context, renderer string) (string, error) {
	h.record("sequence_procedure")
	return renderer + "SequenceRender", nil
}

func (h *fakeHost) Resolution(context.Context) (int, int, error) {
	h.record("resolution")
	return 1920, 1080, nil
}

func (h *fakeHost) InvokeRender(_ context.Context, inv Invocation) error {
	h.record("render")
	if h.failAt != 0 && h.frame == h.failAt {
		return fmt.Errorf("render crashed on frame %d", h.frame)
	}
	h.rendered = append(h.rendered, rendered{Layer: h.current.Name, Frame: h.frame, Inv: inv})
	if h.layout == nil {
		return nil
	}
	for _, rel := range h.layout(h.current, h.frame) {
		p := filepath.Join(filepath.FromSlash(h.rule), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte("pixels"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func bootedSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(1, 2)
	for _, st := range []session.State{session.Listening, session.RendezvousAccepted, session.Booted} {
		if err := s.Advance(st); err != nil {
			t.Fatalf("Advance(%s): %v", st, err)
		}
	}
	return s
}

func newTestSequencer(t *testing.T, host *fakeHost, opts Options) (*Sequencer, *session.Session) {
	t.Helper()
	if opts.TempRoot == "" {
		opts.TempRoot = t.TempDir()
	}
	sess := bootedSession(t)
	return NewSequencer(host, sess, opts), sess
}

func count(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestSingleLayerRendersEachFrameOnceInOrder(t *testing.T) {
	project := t.TempDir()
	host := &fakeHost{
		rule:   "images",
		layers: []Layer{{Name: "beauty", Renderable: true}},
	}
	seq, _ := newTestSequencer(t, host, Options{})

	task := Task{SceneFile: "/proj/shot.ma", StartFrame: 10, EndFrame: 14, ProjectPath: project}
	if err := seq.RenderTask(context.Background(), task); err != nil {
		t.Fatalf("RenderTask: %v", err)
	}

	if len(host.rendered) != 5 {
		t.Fatalf("expected 5 render invocations, got %d", len(host.rendered))
	}
	for i, r := range host.rendered {
		if r.Frame != 10+i {
			t.Errorf("invocation %d rendered frame %d", i, r.Frame)
		}
	}
	if len(host.switches) != 1 {
		t.Errorf("expected one layer switch, got %v", host.switches)
	}
	firstSwitch, firstRender := -1, -1
	for i, c := range host.calls {
		if c == "switch_layer" && firstSwitch < 0 {
			firstSwitch = i
		}
		if c == "render" && firstRender < 0 {
			firstRender = i
		}
	}
	if firstSwitch > firstRender {
		t.Error("layer switch must happen before the first frame")
	}
}

func TestTwoLayersAcrossTasksLoadSceneOnce(t *testing.T) {
	project := t.TempDir()
	host := &fakeHost{
		rule: "images",
		layers: []Layer{
			{Name: "beauty", Renderable: true},
			{Name: "hidden", Renderable: false},
			{Name: "shadow", Renderable: true},
		},
	}
	seq, sess := newTestSequencer(t, host, Options{})

	task := Task{SceneFile: `\proj\shot.scene`, StartFrame: 1, EndFrame: 3, ProjectPath: project}
	if err := seq.RenderTask(context.Background(), task); err != nil {
		t.Fatalf("RenderTask: %v", err)
	}

	var order []string
	for _, r := range host.rendered {
		order = append(order, fmt.Sprintf("%s:%d", r.Layer, r.Frame))
	}
	want := []string{"beauty:1", "beauty:2", "beauty:3", "shadow:1", "shadow:2", "shadow:3"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("render order = %v, want %v", order, want)
	}
	if !sess.SceneLoaded() {
		t.Error("session should be scene loaded")
	}

	task.StartFrame, task.EndFrame = 4, 4
	if err := seq.RenderTask(context.Background(), task); err != nil {
		t.Fatalf("second RenderTask: %v", err)
	}

	if n := count(host.calls, "open_scene"); n != 1 {
		t.Errorf("scene loaded %d times, want 1", n)
	}
	if n := count(host.calls, "disable_caching"); n != 1 {
		t.Errorf("caching disabled %d times, want 1", n)
	}
	if host.openedPaths[0] != "/proj/shot.scene" {
		t.Errorf("scene path not normalized: %q", host.openedPaths[0])
	}
	if len(host.rendered) != 8 {
		t.Errorf("expected 8 invocations over both tasks, got %d", len(host.rendered))
	}
}

func TestLayerFilter(t *testing.T) {
	layers := []Layer{
		{Name: "beauty", Renderable: true},
		{Name: "shadow", Renderable: false},
		{Name: "fx", ID: "fx_layer", Renderable: true},
	}

	tests := []struct {
		name   string
		filter string
		want   []string
	}{
		{"no filter renders all renderable", "", []string{"beauty", "fx"}},
		{"derived identifier", "rs_shadow", []string{"shadow"}},
		{"explicit identifier", "fx_layer", []string{"fx"}},
		{"plain name does not match", "beauty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{rule: "images", layers: layers}
			seq, _ := newTestSequencer(t, host, Options{})

			task := Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 1, Layer: tt.filter, ProjectPath: t.TempDir()}
			if err := seq.RenderTask(context.Background(), task); err != nil {
				t.Fatalf("RenderTask: %v", err)
			}
			if !reflect.DeepEqual(host.switches, tt.want) {
				t.Errorf("switched to %v, want %v", host.switches, tt.want)
			}
		})
	}
}

func TestUnmatchedLayerCanFail(t *testing.T) {
	host := &fakeHost{rule: "images", layers: []Layer{{Name: "beauty", Renderable: true}}}
	seq, _ := newTestSequencer(t, host, Options{FailOnUnmatchedLayer: true})

	task := Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 2, Layer: "rs_nope", ProjectPath: t.TempDir()}
	err := seq.RenderTask(context.Background(), task)
	if !errors.IsCode(err, errors.CodeNoMatchingLayer) {
		t.Fatalf("expected no matching layer, got %v", err)
	}
	if len(host.rendered) != 0 {
		t.Error("nothing should render")
	}
}

func TestLastRenderableCameraWins(t *testing.T) {
	tests := []struct {
		name    string
		cameras []Camera
		want    string
	}{
		{"none renderable", []Camera{{Name: "top"}, {Name: "side"}}, "persp"},
		{"single", []Camera{{Name: "top"}, {Name: "shotCam", Renderable: true}}, "shotCam"},
		{"several", []Camera{{Name: "camA", Renderable: true}, {Name: "top"}, {Name: "camB", Renderable: true}}, "camB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{rule: "images", cameras: tt.cameras, layers: []Layer{{Name: "beauty", Renderable: true}}}
			seq, _ := newTestSequencer(t, host, Options{})

			task := Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 1, ProjectPath: t.TempDir()}
			if err := seq.RenderTask(context.Background(), task); err != nil {
				t.Fatalf("RenderTask: %v", err)
			}
			got := host.rendered[0].Inv
			if got.Camera != tt.want {
				t.Errorf("camera = %q, want %q", got.Camera, tt.want)
			}
			if got.Width != 1920 || got.Height != 1080 || got.Procedure != "arnoldSequenceRender" {
				t.Errorf("unexpected invocation %+v", got)
			}
		})
	}
}

func TestSceneLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		openErr error
		want    errors.Code
	}{
		{"missing module", fmt.Errorf("# Error: ImportError: No module named mtoa"), errors.CodeMissingModule},
		{"generic", fmt.Errorf("file not found"), errors.CodeSceneLoad},
		{"channel broken passes through", errors.ChannelBroken("channel.send", fmt.Errorf("EOF")), errors.CodeChannelBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{rule: "images", openErr: tt.openErr}
			seq, sess := newTestSequencer(t, host, Options{})

			err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 1, ProjectPath: t.TempDir()})
			if !errors.IsCode(err, tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if sess.SceneLoaded() {
				t.Error("failed load must not mark the scene loaded")
			}
		})
	}
}

func TestCleanupRunsOnFailure(t *testing.T) {
	tempRoot := t.TempDir()
	host := &fakeHost{rule: "images", failAt: 2, layers: []Layer{{Name: "beauty", Renderable: true}}}
	seq, _ := newTestSequencer(t, host, Options{TempRoot: tempRoot})

	err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 3, ProjectPath: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "frame 2") {
		t.Fatalf("expected render failure on frame 2, got %v", err)
	}
	if host.rule != "images" {
		t.Errorf("output rule not restored, still %q", host.rule)
	}
	entries, _ := os.ReadDir(tempRoot)
	if len(entries) != 0 {
		t.Errorf("temp directory left behind: %v", entries)
	}
}

func TestCleanupRunsOnCancel(t *testing.T) {
	tempRoot := t.TempDir()
	host := &fakeHost{rule: "images", layers: []Layer{{Name: "beauty", Renderable: true}}}

	ctx, cancel := context.WithCancel(context.Background())
	seq, _ := newTestSequencer(t, host, Options{
		TempRoot: tempRoot,
		Observer: func(context.Context, FrameEvent) { cancel() },
	})

	err := seq.RenderTask(ctx, Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 5, ProjectPath: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(host.rendered) != 1 {
		t.Errorf("expected to stop after one frame, rendered %d", len(host.rendered))
	}
	if host.rule != "images" {
		t.Errorf("output rule not restored, still %q", host.rule)
	}
	if entries, _ := os.ReadDir(tempRoot); len(entries) != 0 {
		t.Errorf("temp directory left behind: %v", entries)
	}
}

func TestObserverSeesProgress(t *testing.T) {
	host := &fakeHost{rule: "images", layers: []Layer{{Name: "a", Renderable: true}, {Name: "b", Renderable: true}}}

	var events []FrameEvent
	seq, _ := newTestSequencer(t, host, Options{
		Observer: func(_ context.Context, ev FrameEvent) { events = append(events, ev) },
	})

	if err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 2, ProjectPath: t.TempDir()}); err != nil {
		t.Fatalf("RenderTask: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	last := events[3]
	if last.Layer != "b" || last.Frame != 2 || last.Done != 4 || last.Total != 4 {
		t.Errorf("unexpected last event %+v", last)
	}
}

func TestReconcileMovesOutputs(t *testing.T) {
	tests := []struct {
		name     string
		renderer string
		layout   func(Layer, int) []string
		want     func(Layer, int) string
	}{
		{
			name:     "default uses tmp subdir",
			renderer: "arnold",
			layout: func(l Layer, f int) []string {
				return []string{fmt.Sprintf("tmp/%s/shot.%04d.exr", l.Name, f)}
			},
			want: func(l Layer, f int) string { return fmt.Sprintf("%s/shot.%04d.exr", l.Name, f) },
		},
		{
			name:     "vray writes in place",
			renderer: "vray",
			layout: func(l Layer, f int) []string {
				return []string{fmt.Sprintf("%s/shot.%04d.exr", l.Name, f)}
			},
			want: func(l Layer, f int) string { return fmt.Sprintf("%s/shot.%04d.exr", l.Name, f) },
		},
		{
			name:     "redshift suffix stripped",
			renderer: "redshift",
			layout: func(l Layer, f int) []string {
				return []string{fmt.Sprintf("tmp/%s/frame.%04d_1.png", l.Name, f)}
			},
			want: func(l Layer, f int) string { return fmt.Sprintf("%s/frame.%04d.png", l.Name, f) },
		},
		{
			name:     "hardware placeholder rewritten",
			renderer: "mayaHardware2",
			layout: func(l Layer, f int) []string {
				return []string{fmt.Sprintf("tmp/masterLayer/frame.%04d.png", f)}
			},
			want: func(l Layer, f int) string { return fmt.Sprintf("%s/frame.%04d.png", l.Name, f) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project := t.TempDir()
			layers := []Layer{{Name: "beauty", Renderable: true}, {Name: "shadow", Renderable: true}}
			host := &fakeHost{rule: "images", renderer: tt.renderer, layers: layers, layout: tt.layout}
			seq, _ := newTestSequencer(t, host, Options{})

			if err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1001, EndFrame: 1002, ProjectPath: project}); err != nil {
				t.Fatalf("RenderTask: %v", err)
			}
			for _, l := range layers {
				for f := 1001; f <= 1002; f++ {
					p := filepath.Join(project, "images", filepath.FromSlash(tt.want(l, f)))
					if _, err := os.Stat(p); err != nil {
						t.Errorf("expected %s: %v", p, err)
					}
				}
			}
		})
	}
}

func TestReconcileAbsoluteRule(t *testing.T) {
	out := t.TempDir()
	host := &fakeHost{
		rule:   filepath.ToSlash(out),
		layers: []Layer{{Name: "beauty", Renderable: true}},
		layout: func(l Layer, f int) []string { return []string{fmt.Sprintf("tmp/img.%d.exr", f)} },
	}
	seq, _ := newTestSequencer(t, host, Options{})

	if err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 7, EndFrame: 7}); err != nil {
		t.Fatalf("RenderTask: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "img.7.exr")); err != nil {
		t.Errorf("expected output in absolute rule dir: %v", err)
	}
}

func TestReconcileFailureIsFatal(t *testing.T) {
	project := t.TempDir()
	// A file where the layer directory should be makes the move impossible.
	if err := os.MkdirAll(filepath.Join(project, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, "images", "beauty"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tempRoot := t.TempDir()
	host := &fakeHost{
		rule:   "images",
		layers: []Layer{{Name: "beauty", Renderable: true}},
		layout: func(l Layer, f int) []string { return []string{fmt.Sprintf("tmp/%s/f.%d.png", l.Name, f)} },
	}
	seq, _ := newTestSequencer(t, host, Options{TempRoot: tempRoot})

	err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 1, ProjectPath: project})
	if !errors.IsCode(err, errors.CodeOutputReconciliation) {
		t.Fatalf("expected reconciliation failure, got %v", err)
	}
	if entries, _ := os.ReadDir(tempRoot); len(entries) != 0 {
		t.Errorf("temp directory left behind: %v", entries)
	}
}

func TestRelativeRuleWithoutProject(t *testing.T) {
	host := &fakeHost{rule: "images", layers: []Layer{{Name: "beauty", Renderable: true}}}
	seq, _ := newTestSequencer(t, host, Options{})

	err := seq.RenderTask(context.Background(), Task{SceneFile: "a.ma", StartFrame: 1, EndFrame: 1})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInvalidTask(t *testing.T) {
	host := &fakeHost{}
	seq, _ := newTestSequencer(t, host, Options{})

	for _, task := range []Task{
		{StartFrame: 1, EndFrame: 2},
		{SceneFile: "a.ma", StartFrame: 5, EndFrame: 2},
	} {
		if err := seq.RenderTask(context.Background(), task); !errors.IsValidation(err) {
			t.Errorf("expected validation error for %+v, got %v", task, err)
		}
	}
	if len(host.calls) != 0 {
		t.Errorf("invalid task must not reach the worker, got %v", host.calls)
	}
}

package render

import (
	"context"
	"strings"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

// Task is one unit of work handed over by the farm scheduler.
type Task struct {
	SceneFile  string `json:"scene_file"`
	StartFrame int    `json:"start_frame"`
	EndFrame   int    `json:"end_frame"`
	// Layer, when set, restricts rendering to the layer with this identifier.
	Layer       string `json:"render_layer,omitempty"`
	ProjectPath string `json:"project_path"`
}

// Validate checks the fields the sequencer relies on.
func (t Task) Validate() error {
	if strings.TrimSpace(t.SceneFile) == "" {
		return errors.ValidationField("scene_file", "scene file is required")
	}
	if t.StartFrame > t.EndFrame {
		return errors.ValidationField("start_frame", "start frame is after end frame").
			WithField("start_frame", t.StartFrame).
			WithField("end_frame", t.EndFrame)
	}
	return nil
}

// FrameCount is the number of frames in the inclusive range.
func (t Task) FrameCount() int {
	return t.EndFrame - t.StartFrame + 1
}

// NormalizePath trims a scheduler-supplied path and turns backslashes into
// forward slashes, which the worker accepts on every platform.
func NormalizePath(p string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
}

// Layer is a render layer as enumerated by the worker.
type Layer struct {
	Name       string
	ID         string
	Renderable bool
}

// Identifier is the name a task filter is matched against. Layers without
// an explicit ID use the render setup node name.
func (l Layer) Identifier() string {
	if l.ID != "" {
		return l.ID
	}
	return "rs_" + l.Name
}

// Camera is a scene camera.
type Camera struct {
	Name       string
	Renderable bool
}

// Invocation is one call of a renderer's sequence procedure.
type Invocation struct {
	Procedure string
	Width     int
	Height    int
	Camera    string
}

// Host is the set of scene primitives the sequencer drives. Every call is
// one command on the worker's command channel.
type Host interface {
	DisableResultCaching(ctx context.Context) error
	OpenScene(ctx context.Context, path string) error
	OutputRule(ctx context.Context) (string, error)
	SetOutputRule(ctx context.Context, rule string) error
	RenderLayers(ctx context.Context) ([]Layer, error)
	SwitchLayer(ctx context.Context, layer Layer) error
	SetFrameRange(ctx context.Context, start, end int) error
	Cameras(ctx context.Context) ([]Camera, error)
	CurrentRenderer(ctx context.Context) (string, error)
	SequenceProcedure(ctx context.Context, renderer string) (string, error)
	Resolution(ctx context.Context) (width, height int, err error)
	InvokeRender(ctx context.Context, inv Invocation) error
}

// SceneState is the slice of the session state machine the sequencer needs.
type SceneState interface {
	SceneLoaded() bool
	MarkSceneLoaded() error
}

package mockworker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tokejepsen/mayasequence/internal/contracts/worker/v1"
)

// Scene is the fixture the mock answers scene queries from.
type Scene struct {
	Layers     []v1.LayerInfo  `yaml:"layers"`
	Cameras    []v1.CameraInfo `yaml:"cameras"`
	Renderer   string          `yaml:"renderer"`
	Width      int             `yaml:"width"`
	Height     int             `yaml:"height"`
	OutputRule string          `yaml:"output_rule"`
}

// Faults makes the mock misbehave the way a real worker can.
type Faults struct {
	// MissingModule rejects open_scene with an import error.
	MissingModule bool `yaml:"missing_module"`
	// OpenSceneError rejects open_scene with this message.
	OpenSceneError string `yaml:"open_scene_error"`
	// ErrorAtFrame prints an ERROR: line while rendering this frame.
	ErrorAtFrame int `yaml:"error_at_frame"`
	// WarningAtFrame prints a WARNING: line while rendering this frame.
	WarningAtFrame int `yaml:"warning_at_frame"`
	// HangAtFrame never answers the render command for this frame.
	HangAtFrame int `yaml:"hang_at_frame"`
	// DropAtFrame closes the command connection instead of answering.
	DropAtFrame int `yaml:"drop_at_frame"`
	// SkipSignal never dials the rendezvous port.
	SkipSignal bool `yaml:"skip_signal"`
}

// Fixture is the YAML document cmd/mockworker loads.
type Fixture struct {
	Scene  Scene  `yaml:"scene"`
	Faults Faults `yaml:"faults"`
}

// DefaultScene has two renderable layers, one hidden layer and a single
// renderable shot camera.
func DefaultScene() Scene {
	return Scene{
		Layers: []v1.LayerInfo{
			{Name: "beauty", Renderable: true},
			{Name: "shadow", Renderable: true},
			{Name: "wip", Renderable: false},
		},
		Cameras: []v1.CameraInfo{
			{Name: "persp"},
			{Name: "shotCam", Renderable: true},
		},
		Renderer:   "arnold",
		Width:      1920,
		Height:     1080,
		OutputRule: "images",
	}
}

// LoadFixture reads a fixture file. Missing scene fields fall back to
// DefaultScene.
func LoadFixture(path string) (Fixture, error) {
	fx := Fixture{Scene: DefaultScene()}
	if path == "" {
		return fx, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("mockworker: read fixture: %w", err)
	}
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return Fixture{}, fmt.Errorf("mockworker: parse fixture %s: %w", path, err)
	}
	return fx, nil
}

// outputPath is where renderer would write frame of layer, relative to the
// output rule.
func outputPath(renderer, scene, layer string, frame int) string {
	switch renderer {
	case "vray":
		return fmt.Sprintf("%s/%s.%04d.exr", layer, scene, frame)
	case "redshift":
		return fmt.Sprintf("tmp/%s/%s.%04d_1.exr", layer, scene, frame)
	case "mayaHardware2":
		return fmt.Sprintf("tmp/masterLayer/%s.%04d.png", scene, frame)
	default:
		return fmt.Sprintf("tmp/%s/%s.%04d.exr", layer, scene, frame)
	}
}

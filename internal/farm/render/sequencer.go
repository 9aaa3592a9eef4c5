// Package render drives a booted worker through a frame range: it opens
// the scene once per session, redirects image output to a private temp
// directory, renders every selected layer frame by frame and moves the
// images to where the project expects them.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

const (
	DefaultCamera              = "persp"
	DefaultMissingModuleMarker = "No module named"
)

// FrameEvent is reported after every rendered frame.
type FrameEvent struct {
	Layer    string
	Frame    int
	Camera   string
	Renderer string
	// Done counts frames finished in this task, Total is layers times frames.
	Done  int
	Total int
}

// FrameObserver is notified after each frame.
type FrameObserver func(ctx context.Context, ev FrameEvent)

// Options tunes a Sequencer. Zero values select the defaults.
type Options struct {
	// TempRoot is the parent of the per-task output directory. Empty means
	// the system temp directory.
	TempRoot            string
	MissingModuleMarker string
	// FailOnUnmatchedLayer turns a layer filter without a match into an
	// error instead of a task that renders nothing.
	FailOnUnmatchedLayer bool
	Quirks               Quirks
	DefaultCamera        string
	Observer             FrameObserver
	Logger               *logger.Logger
}

// Sequencer renders tasks on one worker session. It is not safe for
// concurrent use; a session runs one task at a time.
type Sequencer struct {
	host  Host
	scene SceneState
	opts  Options
	log   *logger.Logger

	cachingDisabled bool
}

// NewSequencer returns a sequencer for the session behind host.
func NewSequencer(host Host, scene SceneState, opts Options) *Sequencer {
	if opts.MissingModuleMarker == "" {
		opts.MissingModuleMarker = DefaultMissingModuleMarker
	}
	if opts.DefaultCamera == "" {
		opts.DefaultCamera = DefaultCamera
	}
	if opts.Quirks.ByRenderer == nil && opts.Quirks.Default == (Quirk{}) {
		opts.Quirks = DefaultQuirks()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Sequencer{
		host:  host,
		scene: scene,
		opts:  opts,
		log:   opts.Logger.WithComponent("sequencer"),
	}
}

// RenderTask renders every selected layer over the task's frame range.
// The output rule is restored and the temp directory removed on every
// return path.
func (s *Sequencer) RenderTask(ctx context.Context, task Task) (err error) {
	if err := task.Validate(); err != nil {
		return err
	}
	log := s.log.FromContext(ctx)

	if !s.cachingDisabled {
		if err := s.host.DisableResultCaching(ctx); err != nil {
			return errors.Wrap(err, "render.disable_caching", "disabling result caching")
		}
		s.cachingDisabled = true
	}

	if err := s.ensureScene(ctx, task); err != nil {
		return err
	}

	originalRule, err := s.host.OutputRule(ctx)
	if err != nil {
		return errors.Wrap(err, "render.output_rule", "reading image output rule")
	}
	expectedDir := ExpectedDir(originalRule, task.ProjectPath)
	if !filepath.IsAbs(expectedDir) {
		return errors.ValidationField("project_path", "relative output rule needs a project path").
			WithField("rule", originalRule)
	}

	tempDir, err := os.MkdirTemp(s.opts.TempRoot, "render-*")
	if err != nil {
		return errors.Wrap(err, "render.temp_dir", "creating temporary output directory")
	}
	defer func() {
		if cerr := s.restore(ctx, originalRule, tempDir); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				log.Error("cleanup after failed task", "error", cerr.Error())
			}
		}
	}()

	if err := s.host.SetOutputRule(ctx, filepath.ToSlash(tempDir)); err != nil {
		return errors.Wrap(err, "render.redirect", "redirecting image output")
	}

	layers, err := s.selectLayers(ctx, task)
	if err != nil {
		return err
	}

	total := len(layers) * task.FrameCount()
	done := 0
	for _, layer := range layers {
		log.Info("Switching to: "+layer.Name, "layer", layer.Identifier())
		if err := s.host.SwitchLayer(ctx, layer); err != nil {
			return errors.Wrap(err, "render.switch_layer", "switching to layer "+layer.Name)
		}

		var renderer string
		for frame := task.StartFrame; frame <= task.EndFrame; frame++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Info(fmt.Sprintf("Rendering frame: %d", frame), "layer", layer.Name)

			ev, err := s.renderFrame(ctx, frame)
			if err != nil {
				return err
			}
			renderer = ev.Renderer
			done++
			if s.opts.Observer != nil {
				ev.Layer, ev.Done, ev.Total = layer.Name, done, total
				s.opts.Observer(ctx, ev)
			}
		}

		if err := s.reconcile(ctx, tempDir, expectedDir, renderer, layer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) ensureScene(ctx context.Context, task Task) error {
	if s.scene.SceneLoaded() {
		return nil
	}
	path := NormalizePath(task.SceneFile)
	s.log.FromContext(ctx).Info(fmt.Sprintf("Loading scene: %q.", path))

	if err := s.host.OpenScene(ctx, path); err != nil {
		switch code := errors.GetCode(err); {
		case code != errors.CodeInternal:
			return errors.Wrap(err, "render.open_scene", "opening scene "+path)
		case strings.Contains(err.Error(), s.opts.MissingModuleMarker):
			return errors.WrapWithCode(err, errors.CodeMissingModule, "render.open_scene",
				"render support module is not installed on the worker")
		default:
			return errors.WrapWithCode(err, errors.CodeSceneLoad, "render.open_scene", "opening scene "+path)
		}
	}
	if err := s.scene.MarkSceneLoaded(); err != nil {
		return errors.Wrap(err, "render.open_scene", "recording scene load")
	}
	return nil
}

func (s *Sequencer) selectLayers(ctx context.Context, task Task) ([]Layer, error) {
	all, err := s.host.RenderLayers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "render.layers", "enumerating render layers")
	}

	var selected []Layer
	for _, layer := range all {
		if task.Layer == "" {
			if layer.Renderable {
				selected = append(selected, layer)
			}
		} else if layer.Identifier() == task.Layer {
			selected = append(selected, layer)
		}
	}

	names := make([]string, 0, len(selected))
	for _, l := range selected {
		names = append(names, l.Name)
	}
	log := s.log.FromContext(ctx)
	log.Info(fmt.Sprintf("Renderable layers: %v", names))

	if len(selected) == 0 && task.Layer != "" {
		if s.opts.FailOnUnmatchedLayer {
			return nil, errors.Newf(errors.CodeNoMatchingLayer, "no render layer matches %q", task.Layer).
				WithField("layer", task.Layer)
		}
		log.Warn("no render layer matches the requested filter, nothing to render", "layer", task.Layer)
	}
	return selected, nil
}

func (s *Sequencer) renderFrame(ctx context.Context, frame int) (FrameEvent, error) {
	if err := s.host.SetFrameRange(ctx, frame, frame); err != nil {
		return FrameEvent{}, errors.Wrapf(err, "render.frame_range", "setting frame %d", frame)
	}

	camera, err := s.resolveCamera(ctx)
	if err != nil {
		return FrameEvent{}, err
	}

	renderer, err := s.host.CurrentRenderer(ctx)
	if err != nil {
		return FrameEvent{}, errors.Wrap(err, "render.renderer", "querying current renderer")
	}
	procedure, err := s.host.SequenceProcedure(ctx, renderer)
	if err != nil {
		return FrameEvent{}, errors.Wrap(err, "render.procedure", "querying sequence procedure of "+renderer)
	}
	width, height, err := s.host.Resolution(ctx)
	if err != nil {
		return FrameEvent{}, errors.Wrap(err, "render.resolution", "querying resolution")
	}

	inv := Invocation{Procedure: procedure, Width: width, Height: height, Camera: camera}
	if err := s.host.InvokeRender(ctx, inv); err != nil {
		return FrameEvent{}, errors.Wrapf(err, "render.invoke", "rendering frame %d", frame)
	}
	return FrameEvent{Frame: frame, Camera: camera, Renderer: renderer}, nil
}

// resolveCamera picks the last renderable camera in enumeration order.
func (s *Sequencer) resolveCamera(ctx context.Context) (string, error) {
	cameras, err := s.host.Cameras(ctx)
	if err != nil {
		return "", errors.Wrap(err, "render.cameras", "listing cameras")
	}

	camera := s.opts.DefaultCamera
	var renderable []string
	for _, c := range cameras {
		if c.Renderable {
			camera = c.Name
			renderable = append(renderable, c.Name)
		}
	}
	if len(renderable) > 1 {
		s.log.FromContext(ctx).Warn("more than one renderable camera, using the last",
			"cameras", renderable, "camera", camera)
	}
	return camera, nil
}

func (s *Sequencer) reconcile(ctx context.Context, tempDir, expectedDir, renderer string, layer Layer) error {
	quirk := s.opts.Quirks.For(renderer)
	root := ActualRoot(tempDir, quirk)

	mappings, err := PlanOutputs(root, expectedDir, renderer, layer.Name, quirk)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeOutputReconciliation, "render.reconcile",
			"listing rendered files").WithField("renderer", renderer)
	}
	if err := Apply(mappings); err != nil {
		return err
	}

	log := s.log.FromContext(ctx)
	if len(mappings) == 0 {
		log.Warn("layer produced no output files", "layer", layer.Name, "renderer", renderer, "root", root)
		return nil
	}
	log.Info("reconciled outputs", "layer", layer.Name, "renderer", renderer, "files", len(mappings), "destination", expectedDir)
	return nil
}

// restore puts the output rule back and removes tempDir. It runs even when
// ctx has been cancelled.
func (s *Sequencer) restore(ctx context.Context, originalRule, tempDir string) error {
	ctx = context.WithoutCancel(ctx)

	ruleErr := s.host.SetOutputRule(ctx, originalRule)
	rmErr := os.RemoveAll(tempDir)

	if ruleErr != nil {
		return errors.Wrap(ruleErr, "render.restore", "restoring image output rule")
	}
	if rmErr != nil {
		return errors.Wrap(rmErr, "render.restore", "removing temporary output directory")
	}
	return nil
}

// Package scripthost implements the render sequencer's scene primitives as
// dispatch commands sent over the worker's command channel.
package scripthost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tokejepsen/mayasequence/internal/contracts/worker/v1"
	"github.com/tokejepsen/mayasequence/internal/farm/channel"
	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Sender exchanges one command for one response.
type Sender interface {
	Send(ctx context.Context, command []byte) (channel.Response, error)
}

// ScriptError is a command the worker ran and rejected, or answered with
// something other than a dispatch response (an interpreter traceback, for
// instance). Output carries the worker's text.
type ScriptError struct {
	Op     v1.Op
	Output string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: worker answered: %s", e.Op, e.Output)
}

// Host speaks the worker library's dispatch protocol.
type Host struct {
	sender Sender
	log    *logger.Logger
}

var _ render.Host = (*Host)(nil)

// New returns a host over sender.
func New(sender Sender, log *logger.Logger) *Host {
	if log == nil {
		log = logger.Discard()
	}
	return &Host{sender: sender, log: log.WithComponent("scripthost")}
}

func (h *Host) call(ctx context.Context, op v1.Op, args, result any) error {
	req, err := v1.NewRequest(op, args)
	if err != nil {
		return err
	}
	cmd, err := v1.EncodeCommand(req)
	if err != nil {
		return err
	}

	h.log.FromContext(ctx).Debug("dispatch", "op", string(op))
	resp, err := h.sender.Send(ctx, cmd)
	if err != nil {
		return err
	}

	decoded, err := v1.DecodeResponse(resp.Body)
	if err != nil {
		return &ScriptError{Op: op, Output: string(resp.Body)}
	}
	if !decoded.OK {
		return &ScriptError{Op: op, Output: decoded.Error}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

func (h *Host) DisableResultCaching(ctx context.Context) error {
	return h.call(ctx, v1.OpDisableCaching, nil, nil)
}

func (h *Host) OpenScene(ctx context.Context, path string) error {
	return h.call(ctx, v1.OpOpenScene, v1.OpenSceneArgs{Path: path}, nil)
}

func (h *Host) OutputRule(ctx context.Context) (string, error) {
	var rule string
	err := h.call(ctx, v1.OpOutputRule, nil, &rule)
	return rule, err
}

func (h *Host) SetOutputRule(ctx context.Context, rule string) error {
	return h.call(ctx, v1.OpSetOutputRule, v1.OutputRuleArgs{Rule: rule}, nil)
}

func (h *Host) RenderLayers(ctx context.Context) ([]render.Layer, error) {
	var infos []v1.LayerInfo
	if err := h.call(ctx, v1.OpRenderLayers, nil, &infos); err != nil {
		return nil, err
	}
	layers := make([]render.Layer, 0, len(infos))
	for _, info := range infos {
		layers = append(layers, render.Layer{Name: info.Name, ID: info.ID, Renderable: info.Renderable})
	}
	return layers, nil
}

func (h *Host) SwitchLayer(ctx context.Context, layer render.Layer) error {
	return h.call(ctx, v1.OpSwitchLayer, v1.SwitchLayerArgs{Layer: layer.Name}, nil)
}

func (h *Host) SetFrameRange(ctx context.Context, start, end int) error {
	return h.call(ctx, v1.OpSetFrameRange, v1.FrameRangeArgs{Start: start, End: end}, nil)
}

func (h *Host) Cameras(ctx context.Context) ([]render.Camera, error) {
	var infos []v1.CameraInfo
	if err := h.call(ctx, v1.OpCameras, nil, &infos); err != nil {
		return nil, err
	}
	cameras := make([]render.Camera, 0, len(infos))
	for _, info := range infos {
		cameras = append(cameras, render.Camera{Name: info.Name, Renderable: info.Renderable})
	}
	return cameras, nil
}

func (h *Host) CurrentRenderer(ctx context.Context) (string, error) {
	var renderer string
	err := h.call(ctx, v1.OpCurrentRenderer, nil, &renderer)
	return renderer, err
}

func (h *Host) SequenceProcedure(ctx context.Context, renderer string) (string, error) {
	var proc string
	err := h.call(ctx, v1.OpSequenceProcedure, v1.SequenceProcedureArgs{Renderer: renderer}, &proc)
	return proc, err
}

func (h *Host) Resolution(ctx context.Context) (int, int, error) {
	var res v1.Resolution
	if err := h.call(ctx, v1.OpResolution, nil, &res); err != nil {
		return 0, 0, err
	}
	return res.Width, res.Height, nil
}

func (h *Host) InvokeRender(ctx context.Context, inv render.Invocation) error {
	return h.call(ctx, v1.OpRender, v1.RenderArgs{
		Procedure: inv.Procedure,
		Width:     inv.Width,
		Height:    inv.Height,
		Camera:    inv.Camera,
	}, nil)
}

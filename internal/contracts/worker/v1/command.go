// Package v1 is the command contract between the supervisor and the worker
// script library.
//
// A command is a line of worker script that imports the library and calls
// its dispatch entry point with one JSON document:
//
//	import mayasequence_lib;mayasequence_lib.dispatch("{\"op\":\"render\",...}")
//
// The worker answers with a JSON Response. A worker without the library
// answers with its interpreter's import error text instead, which callers
// detect before decoding.
package v1

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Library is the worker-side module that implements dispatch.
const Library = "mayasequence_lib"

// Environment the supervisor sets for the worker, next to the port
// variables of the portalloc package.
const (
	EnvLogPath = "MAYASEQUENCE_LOG_PATH"
	EnvFraming = "MAYASEQUENCE_FRAMING"
)

// Op names a worker primitive.
type Op string

const (
	OpDisableCaching    Op = "disable_caching"
	OpOpenScene         Op = "open_scene"
	OpOutputRule        Op = "output_rule"
	OpSetOutputRule     Op = "set_output_rule"
	OpRenderLayers      Op = "render_layers"
	OpSwitchLayer       Op = "switch_layer"
	OpSetFrameRange     Op = "set_frame_range"
	OpCameras           Op = "cameras"
	OpCurrentRenderer   Op = "current_renderer"
	OpSequenceProcedure Op = "sequence_procedure"
	OpResolution        Op = "resolution"
	OpRender            Op = "render"
)

// Request is the dispatched document.
type Request struct {
	Op   Op              `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is the worker's answer.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Argument and result payloads.
type (
	OpenSceneArgs struct {
		Path string `json:"path"`
	}
	OutputRuleArgs struct {
		Rule string `json:"rule"`
	}
	SwitchLayerArgs struct {
		Layer string `json:"layer"`
	}
	FrameRangeArgs struct {
		Start int `json:"start"`
		End   int `json:"end"`
	}
	SequenceProcedureArgs struct {
		Renderer string `json:"renderer"`
	}
	RenderArgs struct {
		Procedure string `json:"procedure"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Camera    string `json:"camera"`
	}

	LayerInfo struct {
		Name       string `json:"name"`
		ID         string `json:"id,omitempty"`
		Renderable bool   `json:"renderable"`
	}
	CameraInfo struct {
		Name       string `json:"name"`
		Renderable bool   `json:"renderable"`
	}
	Resolution struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
)

// NewRequest builds a request, marshalling args when non-nil.
func NewRequest(op Op, args any) (Request, error) {
	req := Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("v1: marshal %s args: %w", op, err)
		}
		req.Args = raw
	}
	return req, nil
}

// EncodeCommand renders req as the script line sent to the worker.
func EncodeCommand(req Request) ([]byte, error) {
	doc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("v1: marshal request: %w", err)
	}
	return []byte(fmt.Sprintf("import %s;%s.dispatch(%s)", Library, Library, strconv.QuoteToASCII(string(doc)))), nil
}

var dispatchPattern = regexp.MustCompile(`^import ` + Library + `;` + Library + `\.dispatch\(("(?:[^"\\]|\\.)*")\)\s*$`)

// DecodeCommand is the worker-side inverse of EncodeCommand.
func DecodeCommand(script []byte) (Request, error) {
	m := dispatchPattern.FindSubmatch(script)
	if m == nil {
		return Request{}, fmt.Errorf("v1: not a dispatch command: %.80q", script)
	}
	doc, err := strconv.Unquote(string(m[1]))
	if err != nil {
		return Request{}, fmt.Errorf("v1: unquote dispatch argument: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return Request{}, fmt.Errorf("v1: decode request: %w", err)
	}
	if req.Op == "" {
		return Request{}, fmt.Errorf("v1: request without op")
	}
	return req, nil
}

// DecodeArgs unmarshals the request arguments into v.
func (r Request) DecodeArgs(v any) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("v1: %s: missing args", r.Op)
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return fmt.Errorf("v1: %s: decode args: %w", r.Op, err)
	}
	return nil
}

// Success builds an OK response carrying result, which may be nil.
func Success(result any) ([]byte, error) {
	resp := Response{OK: true}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("v1: marshal result: %w", err)
		}
		resp.Result = raw
	}
	return json.Marshal(resp)
}

// Failure builds an error response.
func Failure(msg string) []byte {
	raw, _ := json.Marshal(Response{OK: false, Error: msg})
	return raw
}

// DecodeResponse parses a worker answer.
func DecodeResponse(body []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("v1: decode response %.200q: %w", body, err)
	}
	return resp, nil
}

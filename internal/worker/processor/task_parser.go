package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
)

// TaskParser turns a task row's params JSON into a render task. Job-wide
// defaults fill keys the task omits.
type TaskParser struct {
	defaults map[string]any
}

func NewTaskParser(defaults map[string]any) *TaskParser {
	return &TaskParser{defaults: defaults}
}

// paramAliases maps the keys farm submitters use onto render.Task fields.
var paramAliases = map[string]string{
	"SceneFile":   "scene_file",
	"StartFrame":  "start_frame",
	"EndFrame":    "end_frame",
	"RenderLayer": "render_layer",
	"ProjectPath": "project_path",
}

func (tp *TaskParser) Parse(paramsJSON string) (render.Task, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &raw); err != nil {
		return render.Task{}, fmt.Errorf("invalid params_json: %w", err)
	}

	for alias, key := range paramAliases {
		if v, ok := raw[alias]; ok {
			if _, set := raw[key]; !set {
				raw[key] = v
			}
			delete(raw, alias)
		}
	}
	merged := mergeMaps(tp.defaults, raw)
	for _, key := range []string{"start_frame", "end_frame"} {
		if s, ok := merged[key].(string); ok {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return render.Task{}, errors.ValidationField(key, key+" must be an integer")
			}
			merged[key] = n
		}
	}

	// Round-trip through JSON so numbers and strings land in typed fields.
	data, err := json.Marshal(merged)
	if err != nil {
		return render.Task{}, err
	}
	var task render.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return render.Task{}, fmt.Errorf("invalid task params: %w", err)
	}

	task.SceneFile = strings.TrimSpace(task.SceneFile)
	task.Layer = strings.TrimSpace(task.Layer)
	task.ProjectPath = strings.TrimSpace(task.ProjectPath)

	if task.ProjectPath == "" {
		return render.Task{}, errors.ValidationField("project_path", "project path is required")
	}
	if err := task.Validate(); err != nil {
		return render.Task{}, err
	}
	return task, nil
}

func mergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}

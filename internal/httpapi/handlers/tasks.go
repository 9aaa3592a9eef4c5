package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tokejepsen/mayasequence/internal/httpkit"
	"github.com/tokejepsen/mayasequence/internal/models"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/worker/processor"
)

// CreateJobRequest submits a frame range split into tasks of ChunkSize
// frames. ChunkSize 0 submits the whole range as one task.
type CreateJobRequest struct {
	JobID     string         `json:"job_id"`
	ChunkSize int            `json:"chunk_size"`
	Params    map[string]any `json:"params"`
}

type createdTask struct {
	ID         string `json:"id"`
	StartFrame int    `json:"start_frame"`
	EndFrame   int    `json:"end_frame"`
}

// PostJob validates the params the way the worker will parse them, stores
// one QUEUED row per chunk and enqueues the rows in frame order.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(w, r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpapi.post_job", "invalid json body")
	}
	if req.Params == nil {
		return errors.ValidationField("params", "params is required")
	}
	if req.ChunkSize < 0 {
		return errors.ValidationField("chunk_size", "chunk_size must not be negative")
	}

	paramsBytes, err := json.Marshal(req.Params)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "httpapi.post_job", "params are not encodable")
	}
	task, err := processor.NewTaskParser(h.defaults).Parse(string(paramsBytes))
	if err != nil {
		if errors.IsValidation(err) {
			return err
		}
		return errors.WrapWithCode(err, errors.CodeValidation, "httpapi.post_job", "invalid task params")
	}

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	chunk := req.ChunkSize
	if chunk == 0 {
		chunk = task.FrameCount()
	}

	created := []createdTask{}
	ids := []string{}
	for start := task.StartFrame; start <= task.EndFrame; start += chunk {
		end := min(start+chunk-1, task.EndFrame)

		params := make(map[string]any, len(req.Params)+2)
		for k, v := range req.Params {
			params[k] = v
		}
		params["start_frame"] = start
		params["end_frame"] = end
		data, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "httpapi.post_job", "encoding chunk params")
		}

		row := &models.Task{ID: uuid.NewString(), JobID: jobID, Params: string(data)}
		if err := h.tasks.Create(ctx, row); err != nil {
			return repoError(err, "httpapi.post_job", row.ID)
		}
		created = append(created, createdTask{ID: row.ID, StartFrame: start, EndFrame: end})
		ids = append(ids, row.ID)
	}

	if err := h.queue.Push(ctx, ids...); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.post_job", "queue push failed")
	}

	h.log.FromContext(ctx).Info("job submitted", "job_id", jobID, "tasks", len(ids))
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{
		"job_id": jobID,
		"tasks":  created,
	})
	return nil
}

var taskStatuses = map[string]bool{
	models.TaskQueued:  true,
	models.TaskRunning: true,
	models.TaskDone:    true,
	models.TaskFailed:  true,
}

// ListTasks returns the newest tasks, optionally filtered by ?status=.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	status := strings.ToUpper(strings.TrimSpace(q.Get("status")))
	if status != "" && !taskStatuses[status] {
		return errors.ValidationField("status", "unknown task status "+strconv.Quote(status))
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errors.ValidationField("limit", "limit must be a positive integer")
		}
		limit = n
	}

	tasks, err := h.tasks.List(r.Context(), status, limit)
	if err != nil {
		return repoError(err, "httpapi.list_tasks", "")
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	return nil
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "taskId")
	t, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		return repoError(err, "httpapi.get_task", id)
	}
	httpkit.WriteJSON(w, http.StatusOK, t)
	return nil
}

// GetTaskTrail streams the archived diagnostic trail of a task.
func (h *Handler) GetTaskTrail(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := chi.URLParam(r, "taskId")

	t, err := h.tasks.Get(ctx, id)
	if err != nil {
		return repoError(err, "httpapi.get_trail", id)
	}
	if t.TrailObjectKey == nil || *t.TrailObjectKey == "" {
		return errors.NotFound("trail", id)
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, *t.TrailObjectKey)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "httpapi.get_trail", "reading trail from storage")
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(ctx).Warn("streaming trail", "task_id", id, "error", err.Error())
	}
	return nil
}

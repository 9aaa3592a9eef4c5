package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/tokejepsen/mayasequence/internal/models"
	"github.com/tokejepsen/mayasequence/internal/ports"
)

// TrailHandler archives the worker output collected for a task.
type TrailHandler struct {
	sp    ports.StorageProvider
	store TaskStore
}

func NewTrailHandler(sp ports.StorageProvider, store TaskStore) *TrailHandler {
	return &TrailHandler{sp: sp, store: store}
}

// Archive uploads trail and records its key on the task. A trail stored
// by an earlier attempt of the same task is replaced.
func (th *TrailHandler) Archive(ctx context.Context, task *models.Task, trail string) (string, error) {
	if th.sp == nil {
		return "", nil
	}

	key := TrailKey(task.JobID, task.ID)
	out, err := th.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "text/plain; charset=utf-8",
		Reader:      strings.NewReader(trail),
		Size:        int64(len(trail)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload trail: %w", err)
	}

	if prev := task.TrailObjectKey; prev != nil && *prev != "" && *prev != out.ObjectKey {
		_ = th.sp.DeleteObject(ctx, *prev)
	}

	if err := th.store.SaveTrailKey(ctx, task.ID, out.ObjectKey); err != nil {
		return "", fmt.Errorf("failed to record trail key: %w", err)
	}
	return out.ObjectKey, nil
}

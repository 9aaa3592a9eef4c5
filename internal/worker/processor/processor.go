package processor

import (
	"context"

	"github.com/tokejepsen/mayasequence/internal/models"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/ports"
)

// TaskStore is the part of the task repository the processor needs.
type TaskStore interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	MarkRunning(ctx context.Context, id string) error
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errorText string) error
	SaveTrailKey(ctx context.Context, id, objectKey string) error
}

type Deps struct {
	Store    TaskStore
	Session  Session
	SP       ports.StorageProvider
	Defaults map[string]any
	Log      *logger.Logger
}

type Processor struct {
	store   TaskStore
	session Session
	log     *logger.Logger

	taskParser     *TaskParser
	sessionAdapter *SessionAdapter
	trailHandler   *TrailHandler
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	return &Processor{
		store:          d.Store,
		session:        d.Session,
		log:            log,
		taskParser:     NewTaskParser(d.Defaults),
		sessionAdapter: NewSessionAdapter(d.Session, log),
		trailHandler:   NewTrailHandler(d.SP, d.Store),
	}
}

// ProcessTask renders one task and records its outcome. The returned error
// is the task failure, already stored on the row.
func (p *Processor) ProcessTask(ctx context.Context, taskID string) error {
	log := p.log.FromContext(ctx).WithTaskID(taskID)

	// 1. Fetch the row
	log.Debug("fetching task")
	row, err := p.store.Get(ctx, taskID)
	if err != nil {
		// Nothing to mark; the row does not exist or the database is down.
		return errors.Wrap(err, "processor.fetch", "failed to fetch task")
	}
	log = log.WithJobID(row.JobID)
	ctx = logger.ContextWithJobID(ctx, row.JobID)

	p.session.ResetTrail()

	// 2. Parse params
	task, err := p.taskParser.Parse(row.Params)
	if err != nil {
		return p.failTask(ctx, row, errors.WrapWithCode(err, errors.CodeValidation, "processor.parse", "failed to parse task params"))
	}
	log.Debug("task parsed",
		"scene", task.SceneFile,
		"start_frame", task.StartFrame,
		"end_frame", task.EndFrame,
		"layer", task.Layer,
	)

	// 3. Mark running
	if err := p.store.MarkRunning(ctx, row.ID); err != nil {
		return p.failTask(ctx, row, errors.Wrap(err, "processor.status", "failed to mark task as running"))
	}

	// 4. Render on the job's worker session
	log.Info("starting render", "frames", task.FrameCount())
	if err := p.sessionAdapter.Render(ctx, row.JobID, task); err != nil {
		return p.failTask(ctx, row, err)
	}

	// 5. Archive the trail
	if key, err := p.trailHandler.Archive(ctx, row, p.session.Trail()); err != nil {
		log.Warn("archiving trail failed", "error", err.Error())
	} else if key != "" {
		log.Debug("trail archived", "object_key", key)
	}

	// 6. Done
	return p.store.MarkDone(ctx, row.ID)
}

// Close ends the worker session.
func (p *Processor) Close(ctx context.Context) error {
	return p.sessionAdapter.Close(ctx)
}

func (p *Processor) failTask(ctx context.Context, row *models.Task, cause error) error {
	log := p.log.FromContext(ctx).WithTaskID(row.ID)

	msg := TruncateError(cause.Error())

	var taskErr *errors.Error
	if errors.As(cause, &taskErr) {
		log.Error("task failed",
			"code", string(errors.GetCode(cause)),
			"op", taskErr.Op,
			"message", taskErr.Message,
		)
	} else {
		log.Error("task failed", "error", msg)
	}

	if _, err := p.trailHandler.Archive(ctx, row, p.session.Trail()); err != nil {
		log.Warn("archiving trail failed", "error", err.Error())
	}
	if err := p.store.MarkFailed(ctx, row.ID, msg); err != nil {
		log.Warn("recording task failure", "error", err.Error())
	}

	return cause
}

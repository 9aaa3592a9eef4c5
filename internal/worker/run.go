package worker

import (
	"context"
	"time"

	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/repositories"
	"github.com/tokejepsen/mayasequence/internal/worker/processor"
	"github.com/tokejepsen/mayasequence/internal/worker/queue"
)

// staleSessionAge is how old a leftover session directory must be before
// it is removed at start.
const staleSessionAge = 24 * time.Hour

type taskQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

type taskProcessor interface {
	ProcessTask(ctx context.Context, taskID string) error
	Close(ctx context.Context) error
}

// Run pops task IDs and processes them one at a time until ctx ends. The
// worker session is ended before returning.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("harness")

	processor.NewCleanup(d.SessionRoot, staleSessionAge, log).StaleSessions(time.Now())

	q := queue.NewRedisQueue(d.RDB, d.QueueName)
	p := processor.New(processor.Deps{
		Store:    repositories.NewTaskRepository(d.Pool),
		Session:  d.Session,
		SP:       d.SP,
		Defaults: d.Defaults,
		Log:      log,
	})

	log.Info("harness started", "queue", q.Name())
	return loop(ctx, q, p, d.PopTimeout, log)
}

func loop(ctx context.Context, q taskQueue, p taskProcessor, popTimeout time.Duration, log *logger.Logger) error {
	if popTimeout <= 0 {
		popTimeout = 30 * time.Second
	}
	defer func() {
		_ = p.Close(context.WithoutCancel(ctx))
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("harness context canceled, stopping")
			return ctx.Err()
		default:
		}

		taskID, err := q.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("harness stopping due to context cancellation")
				return ctx.Err()
			}

			log.Warn("queue pop error, retrying",
				"error", err.Error(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(1 * time.Second):
			}
			continue
		}

		if taskID == "" {
			continue
		}

		taskCtx := logger.ContextWithTaskID(ctx, taskID)
		taskLog := log.WithTaskID(taskID)

		taskLog.Info("processing task")
		startTime := time.Now()

		if err := p.ProcessTask(taskCtx, taskID); err != nil {
			taskLog.Error("task failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			taskLog.Info("task completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}

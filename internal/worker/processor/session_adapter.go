package processor

import (
	"context"

	"github.com/tokejepsen/mayasequence/internal/farm/render"
	"github.com/tokejepsen/mayasequence/internal/farm/supervisor"
	"github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

// Session is the worker session the processor drives.
type Session interface {
	supervisor.Lifecycle
	ResetTrail()
	Trail() string
}

// SessionAdapter keeps one worker session per job. Tasks of the same job
// reuse the booted worker; a task of another job replaces it.
type SessionAdapter struct {
	sess Session
	log  *logger.Logger

	jobID string
}

func NewSessionAdapter(sess Session, log *logger.Logger) *SessionAdapter {
	return &SessionAdapter{sess: sess, log: log}
}

// Render runs task on the session of jobID. Errors that leave the worker
// unusable end the session before returning.
func (sa *SessionAdapter) Render(ctx context.Context, jobID string, task render.Task) error {
	log := sa.log.FromContext(ctx)

	if sa.jobID != jobID {
		if sa.jobID != "" {
			log.Info("job changed, replacing worker session", "previous_job_id", sa.jobID)
			_ = sa.sess.OnTaskEnd(ctx)
			sa.jobID = ""
		}
		if err := sa.sess.OnInitialize(ctx, jobID); err != nil {
			return errors.Wrap(err, "processor.session", "initializing worker session")
		}
		sa.jobID = jobID
	}

	if err := sa.sess.OnTaskStart(ctx, task); err != nil {
		sa.end(ctx)
		return errors.Wrap(err, "processor.session", "starting worker")
	}

	if err := sa.sess.OnRenderFrame(ctx, task); err != nil {
		if errors.IsSessionFatal(err) {
			log.Warn("worker session is no longer usable", "code", string(errors.GetCode(err)))
			sa.end(ctx)
		}
		return errors.Wrap(err, "processor.render", "render failed")
	}
	return nil
}

// Close ends the current session, if any.
func (sa *SessionAdapter) Close(ctx context.Context) error {
	sa.end(ctx)
	return nil
}

func (sa *SessionAdapter) end(ctx context.Context) {
	_ = sa.sess.OnTaskEnd(ctx)
	sa.jobID = ""
}

package handlers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokejepsen/mayasequence/internal/farm/supervisor"
	"github.com/tokejepsen/mayasequence/internal/models"
	apperrors "github.com/tokejepsen/mayasequence/internal/pkg/errors"
	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/ports"
	"github.com/tokejepsen/mayasequence/internal/repositories"
)

// SessionReporter exposes the supervisor's current state.
type SessionReporter interface {
	Snapshot() supervisor.Snapshot
}

// TaskStore is the part of the task repository the API reads and writes.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, status string, limit int) ([]models.Task, error)
}

// Queue accepts task IDs for the worker loop.
type Queue interface {
	Push(ctx context.Context, taskIDs ...string) error
	Len(ctx context.Context) (int64, error)
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	DB       Pinger
	Tasks    TaskStore
	Queue    Queue
	SP       ports.StorageProvider
	Session  SessionReporter
	Defaults map[string]any
	Log      *logger.Logger
}

type Handler struct {
	db       Pinger
	tasks    TaskStore
	queue    Queue
	sp       ports.StorageProvider
	session  SessionReporter
	defaults map[string]any
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		db:       d.DB,
		tasks:    d.Tasks,
		queue:    d.Queue,
		sp:       d.SP,
		session:  d.Session,
		defaults: d.Defaults,
		log:      log.WithComponent("httpapi"),
	}
}

// repoError maps repository sentinels onto API error codes.
func repoError(err error, op, taskID string) error {
	switch {
	case errors.Is(err, repositories.ErrTaskNotFound):
		return apperrors.NotFound("task", taskID)
	case errors.Is(err, repositories.ErrTaskExists):
		return apperrors.WrapWithCode(err, apperrors.CodeValidation, op, "task id already used")
	case errors.Is(err, repositories.ErrNoSchema):
		return apperrors.WrapWithCode(err, apperrors.CodeFailedPrecond, op, "database schema missing; run with --migrate")
	}
	return apperrors.Wrap(err, op, "database error")
}

// poolStats reports connection counts when db is a pgx pool.
func poolStats(db Pinger) map[string]any {
	pool, ok := db.(*pgxpool.Pool)
	if !ok {
		return nil
	}
	stats := pool.Stat()
	return map[string]any{
		"total_conns":    stats.TotalConns(),
		"idle_conns":     stats.IdleConns(),
		"acquired_conns": stats.AcquiredConns(),
	}
}

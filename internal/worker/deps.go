package worker

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
	"github.com/tokejepsen/mayasequence/internal/ports"
	"github.com/tokejepsen/mayasequence/internal/worker/processor"
)

type Deps struct {
	Pool      *pgxpool.Pool
	RDB       *redis.Client
	SP        ports.StorageProvider
	Session   processor.Session
	QueueName string
	// PopTimeout bounds one BRPOP so cancellation is noticed.
	PopTimeout time.Duration
	// Defaults fill task params the submitter left out.
	Defaults map[string]any
	// SessionRoot is scanned for stale session directories at start.
	SessionRoot string
	Log         *logger.Logger
}

package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokejepsen/mayasequence/internal/httpkit"
	"github.com/tokejepsen/mayasequence/internal/models"
)

var ErrTaskNotFound = errors.New("task not found")
var ErrTaskExists = errors.New("task already exists")

// ErrNoSchema is returned when the tasks table has not been created.
var ErrNoSchema = errors.New("tasks table does not exist")

// Schema creates the tasks table.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               text PRIMARY KEY,
	job_id           text NOT NULL,
	status           text NOT NULL DEFAULT 'QUEUED',
	params_json      text NOT NULL,
	error_text       text,
	trail_object_key text,
	created_at       timestamptz NOT NULL DEFAULT NOW(),
	started_at       timestamptz,
	finished_at      timestamptz
);
CREATE INDEX IF NOT EXISTS tasks_status_created_idx ON tasks (status, created_at DESC);
`

const taskColumns = `id, job_id, status, params_json, error_text, trail_object_key, created_at, started_at, finished_at`

type TaskRepository struct {
	db *pgxpool.Pool
}

func NewTaskRepository(db *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{db: db}
}

// EnsureSchema creates the tasks table when it is missing.
func (r *TaskRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID,
		&t.JobID,
		&t.Status,
		&t.Params,
		&t.ErrorText,
		&t.TrailObjectKey,
		&t.CreatedAt,
		&t.StartedAt,
		&t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts t as QUEUED and fills in CreatedAt.
func (r *TaskRepository) Create(ctx context.Context, t *models.Task) error {
	t.Status = models.TaskQueued
	err := r.db.QueryRow(ctx, `
		INSERT INTO tasks (id, job_id, status, params_json)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, t.ID, t.JobID, t.Status, t.Params).Scan(&t.CreatedAt)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return ErrTaskExists
		}
		if httpkit.IsUndefinedTable(err) {
			return ErrNoSchema
		}
		return err
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		if httpkit.IsUndefinedTable(err) {
			return nil, ErrNoSchema
		}
		return nil, err
	}
	return t, nil
}

// List returns the newest tasks first. An empty status matches all.
func (r *TaskRepository) List(ctx context.Context, status string, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		if httpkit.IsUndefinedTable(err) {
			return nil, ErrNoSchema
		}
		return nil, err
	}
	defer rows.Close()

	out := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *TaskRepository) MarkRunning(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE tasks SET status='RUNNING', started_at=NOW(), finished_at=NULL, error_text=NULL WHERE id=$1`,
		id,
	)
}

func (r *TaskRepository) MarkDone(ctx context.Context, id string) error {
	return r.exec(ctx,
		`UPDATE tasks SET status='DONE', finished_at=NOW() WHERE id=$1`,
		id,
	)
}

func (r *TaskRepository) MarkFailed(ctx context.Context, id, errorText string) error {
	return r.exec(ctx,
		`UPDATE tasks SET status='FAILED', finished_at=NOW(), error_text=$2 WHERE id=$1`,
		id, errorText,
	)
}

func (r *TaskRepository) SaveTrailKey(ctx context.Context, id, objectKey string) error {
	return r.exec(ctx,
		`UPDATE tasks SET trail_object_key=$2 WHERE id=$1`,
		id, objectKey,
	)
}

func (r *TaskRepository) exec(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

package models

import "time"

// Task statuses.
const (
	TaskQueued  = "QUEUED"
	TaskRunning = "RUNNING"
	TaskDone    = "DONE"
	TaskFailed  = "FAILED"
)

// Task is one row of the tasks table: a frame range of a job's scene.
type Task struct {
	ID             string     `json:"id"`
	JobID          string     `json:"job_id"`
	Status         string     `json:"status"`
	Params         string     `json:"-"`
	ErrorText      *string    `json:"error_text,omitempty"`
	TrailObjectKey *string    `json:"trail_object_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an OCR task.
type Status string

// Task status constants
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final. Terminal tasks never
// change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task represents one document-to-text conversion job.
type Task struct {
	ID          string     `json:"task_id"`
	Owner       string     `json:"-"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	InputPath   string     `json:"-"`
	ResultPath  string     `json:"result_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a queued task owned by the given user. The input path is
// filled in by intake once the uploaded file is on disk, since the file
// name embeds the task ID.
func New(owner string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Owner:     owner,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

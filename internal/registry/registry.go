package registry

import (
	"context"
	"errors"

	"github.com/zswll2/olmocr-api/pkg/tasks"
)

// Registry failure modes. API and scheduler branch on these.
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrTerminal      = errors.New("task already in a terminal state")
)

// InitialProgress is the coarse progress stamped when a task is claimed.
// Engines may only raise it from here; completion forces it to 1 and
// failure resets it to 0.
const InitialProgress = 0.5

// Registry is the single source of truth for task state. Implementations
// serialize writes per record; reads return copies and never observe a
// partially applied update.
type Registry interface {
	// Create stores a new queued task. The task must carry a unique ID.
	Create(ctx context.Context, t *tasks.Task) error

	// Get returns a copy of the task with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*tasks.Task, error)

	// Claim atomically promotes the oldest queued task to processing,
	// stamping StartedAt and InitialProgress, and returns it. A nil task
	// with a nil error means no queued work exists. A task is handed to
	// at most one claimer.
	Claim(ctx context.Context) (*tasks.Task, error)

	// SetProgress raises the progress of a processing task. Values above
	// 1 are clamped, values at or below the current progress are dropped,
	// and calls against tasks that are not processing are ignored.
	SetProgress(ctx context.Context, id string, progress float64) error

	// Complete moves a processing task to completed, setting progress to 1
	// and recording where the result artifact lives. Terminal tasks return
	// ErrTerminal.
	Complete(ctx context.Context, id, resultPath string) error

	// Fail moves a processing task to failed with a descriptive message,
	// resetting progress to 0. Terminal tasks return ErrTerminal.
	Fail(ctx context.Context, id, msg string) error

	// Counts reports how many tasks are queued and processing.
	Counts(ctx context.Context) (queued, processing int, err error)
}

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/zswll2/olmocr-api/pkg/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_tasks (
	id           TEXT PRIMARY KEY,
	owner_name   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	progress     DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_path   TEXT NOT NULL DEFAULT '',
	result_path  TEXT,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS ocr_tasks_claim_idx ON ocr_tasks (status, created_at);
`

const taskColumns = `id, owner_name, status, progress, input_path, result_path, error, created_at, started_at, completed_at`

// Postgres keeps task state in a PostgreSQL table so records survive a
// restart. It enforces the same transition rules as the in-memory
// registry; claim contention between workers is resolved with row locks.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. The caller owns the handle
// and closes it.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the task table and claim index if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure task schema: %w", err)
	}
	return nil
}

// RecoverStale requeues tasks left processing by a previous run so the
// scheduler can claim them again. Meant for single-instance startup;
// concurrent instances would requeue each other's in-flight work.
func (p *Postgres) RecoverStale(ctx context.Context) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ocr_tasks
		SET status = $1,
			progress = 0,
			started_at = NULL
		WHERE status = $2
	`, string(tasks.StatusQueued), string(tasks.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (p *Postgres) Create(ctx context.Context, t *tasks.Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ocr_tasks (id, owner_name, status, progress, input_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.Owner, string(t.Status), t.Progress, t.InputPath, t.CreatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*tasks.Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM ocr_tasks
		WHERE id = $1
	`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

func (p *Postgres) Claim(ctx context.Context) (*tasks.Task, error) {
	row := p.db.QueryRowContext(ctx, `
		WITH claimable AS (
			SELECT id
			FROM ocr_tasks
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ocr_tasks
		SET status = $2,
			progress = $3,
			started_at = NOW()
		FROM claimable
		WHERE ocr_tasks.id = claimable.id
		RETURNING ocr_tasks.id, owner_name, status, progress, input_path, result_path, error, created_at, started_at, completed_at
	`, string(tasks.StatusQueued), string(tasks.StatusProcessing), InitialProgress)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (p *Postgres) SetProgress(ctx context.Context, id string, progress float64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ocr_tasks
		SET progress = GREATEST(progress, LEAST($2::double precision, 1.0))
		WHERE id = $1 AND status = $3
	`, id, progress, string(tasks.StatusProcessing))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Either the task is unknown or it is no longer processing;
		// only the former is an error.
		_, err := p.Get(ctx, id)
		return err
	}
	return nil
}

func (p *Postgres) Complete(ctx context.Context, id, resultPath string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ocr_tasks
		SET status = $2,
			progress = 1,
			result_path = $3,
			completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(tasks.StatusCompleted), resultPath, string(tasks.StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return p.checkTransition(ctx, id, result)
}

func (p *Postgres) Fail(ctx context.Context, id, msg string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ocr_tasks
		SET status = $2,
			progress = 0,
			error = $3,
			completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(tasks.StatusFailed), msg, string(tasks.StatusProcessing))
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return p.checkTransition(ctx, id, result)
}

// checkTransition turns a zero-row terminal update into the precise
// contract error.
func (p *Postgres) checkTransition(ctx context.Context, id string, result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check transition: %w", err)
	}
	if rows > 0 {
		return nil
	}
	t, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}
	return fmt.Errorf("cannot finish task in state %s", t.Status)
}

func (p *Postgres) Counts(ctx context.Context) (int, int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM ocr_tasks
		WHERE status IN ($1, $2)
		GROUP BY status
	`, string(tasks.StatusQueued), string(tasks.StatusProcessing))
	if err != nil {
		return 0, 0, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var queued, processing int
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, fmt.Errorf("scan counts: %w", err)
		}
		switch tasks.Status(status) {
		case tasks.StatusQueued:
			queued = count
		case tasks.StatusProcessing:
			processing = count
		}
	}
	return queued, processing, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	t := &tasks.Task{}
	var status string
	var resultPath, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Owner, &status, &t.Progress, &t.InputPath,
		&resultPath, &errMsg, &t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	if resultPath.Valid {
		t.ResultPath = resultPath.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

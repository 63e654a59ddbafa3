package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulkops/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	db    DB
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore. An empty table uses task_runs.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	name, err := checkTable(table, "task_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: name}, nil
}

// UpsertRunStart inserts a running row or flips an existing one back to running.
func (s *RunStore) UpsertRunStart(ctx context.Context, run store.TaskRun) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (task_id, data_type, operation, started_at, status, total)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id) DO UPDATE
SET status = EXCLUDED.status, total = EXCLUDED.total, finished_at = NULL, error_message = NULL
WHERE %[1]s.status <> EXCLUDED.status`, s.table)
	_, err := s.db.Exec(ctx, query,
		run.TaskID, run.DataType, run.Operation, run.StartedAt, string(store.RunRunning), run.Total)
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun stores the final counters and status.
func (s *RunStore) CompleteRun(ctx context.Context, taskID string, done store.RunCompletion) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, total = $3, success = $4, fail = $5, error_message = $6
WHERE task_id = $7`, s.table)
	tag, err := s.db.Exec(ctx, query,
		done.FinishedAt, string(done.Status), done.Total, done.Success, done.Fail, done.ErrMsg, taskID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, taskID string) (store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT task_id, data_type, operation, started_at, finished_at, status, total, success, fail, error_message
FROM %s WHERE task_id = $1`, s.table)
	run, err := scanRun(s.db.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, store.ErrNotFound
		}
		return store.TaskRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first with an optional status filter.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT task_id, data_type, operation, started_at, finished_at, status, total, success, fail, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.TaskRun, error) {
	var (
		run    store.TaskRun
		status string
	)
	err := row.Scan(
		&run.TaskID,
		&run.DataType,
		&run.Operation,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Total,
		&run.Success,
		&run.Fail,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.TaskRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

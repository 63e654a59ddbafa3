package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/progress"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnsupported signals that the backing store cannot serve the operation.
	ErrUnsupported = errors.New("operation not supported by store")
)

// ProgressStore is the key-value backing store behind the progress cache.
type ProgressStore interface {
	// Get returns the stored snapshot or ErrNotFound.
	Get(ctx context.Context, taskID string) (progress.Snapshot, error)
	// Put writes the snapshot, replacing any previous value.
	Put(ctx context.Context, snap progress.Snapshot) error
	// Evict removes one entry; missing entries are not an error.
	Evict(ctx context.Context, taskID string) error
	// Clear removes every entry owned by the store.
	Clear(ctx context.Context) error
}

// EnumerableProgressStore is a ProgressStore that can list its contents.
type EnumerableProgressStore interface {
	ProgressStore
	IDs(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]progress.Snapshot, error)
}

// RecordRepository persists finished task records and serves them back.
type RecordRepository interface {
	batch.RecordStore
	batch.DetailStore
	// GetRecord loads the summary row or returns ErrNotFound.
	GetRecord(ctx context.Context, taskID string) (batch.Record, error)
	// ListDetails returns detail rows ordered by global index.
	ListDetails(ctx context.Context, taskID string, limit, offset int) ([]batch.ResultDetail, error)
}

// RunStatus mirrors the task_runs status column.
type RunStatus string

// Task run statuses persisted in task_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRun models one execution of a task for API responses.
type TaskRun struct {
	TaskID    string
	DataType  string
	Operation string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	Total      int64
	Success    int64
	Fail       int64
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// RunCompletion carries the final counters of a run.
type RunCompletion struct {
	FinishedAt time.Time
	Status     RunStatus
	Total      int64
	Success    int64
	Fail       int64
	ErrMsg     *string
}

// RunRepository persists the run history fed by the operation log.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, run TaskRun) error
	// CompleteRun marks the run finished with the provided outcome.
	CompleteRun(ctx context.Context, taskID string, done RunCompletion) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, taskID string) (TaskRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]TaskRun, error)
}

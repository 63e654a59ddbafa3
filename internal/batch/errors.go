package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTask is returned when a task carries no items.
	ErrEmptyTask = errors.New("task has no items")
	// ErrNoSlices is returned when a splitter produced nothing to run.
	ErrNoSlices = errors.New("splitter produced no slices")
	// ErrUnsupported is returned when no handler or splitter accepts the task.
	ErrUnsupported = errors.New("unsupported data type/operation")
	// ErrRejected is returned by an Executor that cannot accept more work.
	ErrRejected = errors.New("executor rejected submission")
	// ErrStorage marks failures to durably record a finished task.
	ErrStorage = errors.New("batch storage failure")
)

// StorageError wraps a persistence failure for a finished task. The task's
// progress may read FINISHED but callers must treat the run as failed.
type StorageError struct {
	TaskID string
	Op     string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: task %s: %s: %v", ErrStorage, e.TaskID, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// UnsupportedError reports the data type/operation pair that had no handler.
func UnsupportedError(dataType, operation string) error {
	return fmt.Errorf("%w: %s/%s", ErrUnsupported, dataType, operation)
}

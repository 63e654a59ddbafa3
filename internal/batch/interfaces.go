package batch

import (
	"context"
	"io"
	"time"
)

// SliceHandler runs the business logic for one slice. It should return one
// detail per input item; gaps and duplicates are reconciled by the worker.
type SliceHandler interface {
	Supports(dataType, operation string) bool
	Handle(ctx context.Context, slice Slice) ([]ResultDetail, error)
}

// TaskSplitter partitions a task into slices covering every item exactly once.
type TaskSplitter interface {
	Supports(task Task) bool
	Split(task Task) ([]Slice, error)
}

// RecordStore persists the summary row of a finished task.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) error
}

// DetailStore persists the per-item detail rows of a finished task.
type DetailStore interface {
	BatchInsert(ctx context.Context, details []ResultDetail) error
}

// Executor runs background work on a bounded pool. Submit must not block;
// it returns ErrRejected when the pool is saturated.
type Executor interface {
	Submit(fn func(ctx context.Context)) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes summary events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

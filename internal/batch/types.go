// Package batch defines the core bulk-operation types, collaborator
// interfaces, and the splitter/handler registries shared across subsystems.
package batch

import (
	"encoding/json"
	"time"
)

// Status classifies the outcome of a single item.
type Status string

// Item outcome values persisted with each detail row.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Succeeded reports whether the status counts toward the success total.
func (s Status) Succeeded() bool {
	return s == StatusSuccess
}

// Task is one bulk operation submitted by a caller. It must not be mutated
// after it is handed to the coordinator.
type Task struct {
	ID        string            `json:"task_id"`
	DataType  string            `json:"data_type"`
	Operation string            `json:"operation"`
	Items     []json.RawMessage `json:"items"`
	Persist   bool              `json:"persist"`
	Creator   string            `json:"creator,omitempty"`
}

// Slice is a contiguous run of task items processed by exactly one worker.
// It carries everything a handler needs so no ambient state is required.
type Slice struct {
	TaskID    string
	Seq       int
	Offset    int
	DataType  string
	Operation string
	Items     []json.RawMessage
}

// Len returns the number of items in the slice.
func (s Slice) Len() int {
	return len(s.Items)
}

// ResultDetail is the outcome of one input item.
type ResultDetail struct {
	// Index is the position of the item within its slice.
	Index int `json:"index"`
	// GlobalIndex is the position of the item within the task.
	GlobalIndex int             `json:"global_index"`
	Status      Status          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	Operation   string          `json:"operation"`
	TaskID      string          `json:"task_id"`
}

// Succeeded returns a success detail for the item at index.
func Succeeded(index int, snapshot json.RawMessage) ResultDetail {
	return ResultDetail{Index: index, Status: StatusSuccess, Snapshot: snapshot}
}

// Failed returns a failed detail for the item at index.
func Failed(index int, reason string, snapshot json.RawMessage) ResultDetail {
	return ResultDetail{Index: index, Status: StatusFailed, Reason: reason, Snapshot: snapshot}
}

// Unknown returns a detail for an item whose outcome the handler never reported.
func Unknown(index int, reason string, snapshot json.RawMessage) ResultDetail {
	return ResultDetail{Index: index, Status: StatusUnknown, Reason: reason, Snapshot: snapshot}
}

// Record is the durable summary of one finished task.
type Record struct {
	TaskID    string         `json:"task_id"`
	DataType  string         `json:"data_type"`
	Operation string         `json:"operation"`
	Total     int64          `json:"total"`
	Success   int64          `json:"success"`
	Fail      int64          `json:"fail"`
	Creator   string         `json:"creator,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Details   []ResultDetail `json:"details,omitempty"`
}

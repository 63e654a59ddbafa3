package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart Stage = "TASK_START"
	StageSliceDone Stage = "SLICE_DONE"
	StageTaskDone  Stage = "TASK_DONE"
	StageTaskError Stage = "TASK_ERROR"
)

// Event is one entry of the operation log emitted by the coordinator and workers.
type Event struct {
	// TaskID identifies the bulk task.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage     Stage
	DataType  string
	Operation string
	// Seq is the slice sequence number for slice events.
	Seq int
	// Total is the task item count, set on task-level events.
	Total   int64
	Success int64
	Fail    int64
	// Dur captures slice or task latency.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskDone, StageTaskError:
	case StageSliceDone:
		if e.Seq < 0 {
			return errors.New("slice done requires seq >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Success < 0 || e.Fail < 0 {
		return errors.New("counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a task.
func (e Event) Terminal() bool {
	return e.Stage == StageTaskDone || e.Stage == StageTaskError
}

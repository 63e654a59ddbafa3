package progress

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a tracked task. It only moves forward:
// Waiting -> Running -> {Exception | Finished}.
type Status int32

// Tracker states; numeric values are persisted in snapshots.
const (
	StatusWaiting   Status = 0
	StatusRunning   Status = 1
	StatusException Status = 2
	StatusFinished  Status = 3
)

var (
	// ErrIllegalStatus signals a transition or update that the current state forbids.
	ErrIllegalStatus = errors.New("illegal progress status")
	// ErrUnsupportedCounter is returned when an update does not fit the counter strategy.
	ErrUnsupportedCounter = errors.New("operation not supported by counter")
	// ErrSlotOutOfRange is returned when a bitset slot is outside [0,total).
	ErrSlotOutOfRange = errors.New("slot out of range")
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusException:
		return "exception"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s > StatusRunning
}

func illegal(op string, s Status) error {
	return fmt.Errorf("%w: %s while %s", ErrIllegalStatus, op, s)
}

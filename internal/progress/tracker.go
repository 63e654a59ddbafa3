package progress

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultAlmostDone is reported while every item is processed but the
	// task has not been finalized yet.
	DefaultAlmostDone = 0.999
	// UnknownTimeLeft is returned when no throughput has been observed.
	UnknownTimeLeft = 99 * 24 * time.Hour
)

type clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Option customizes a Tracker.
type Option func(*Tracker)

// WithCounter selects the counting strategy (default AtomicCounter).
func WithCounter(c Counter) Option {
	return func(t *Tracker) {
		if c != nil {
			t.counter = c
		}
	}
}

// WithAutoFinish toggles finishing as soon as processed reaches total.
func WithAutoFinish(enabled bool) Option {
	return func(t *Tracker) { t.autoFinish = enabled }
}

// WithStrictFinish toggles whether Finish requires processed == total.
func WithStrictFinish(enabled bool) Option {
	return func(t *Tracker) { t.strict = enabled }
}

// WithAlmostDone overrides the ratio reported before finalization.
// Values outside (0,1) are ignored.
func WithAlmostDone(ratio float64) Option {
	return func(t *Tracker) {
		if ratio > 0 && ratio < 1 {
			t.almostDone = ratio
		}
	}
}

// WithClock injects a time source.
func WithClock(c interface{ Now() time.Time }) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithOnFinish registers a callback run once by NotifyFinished.
func WithOnFinish(fn func(Snapshot)) Option {
	return func(t *Tracker) { t.onFinish = fn }
}

// Tracker holds the live progress of one task. Counter updates follow the
// selected Counter's concurrency guarantees; state transitions are serialized.
type Tracker struct {
	id         string
	counter    Counter
	clock      clock
	autoFinish bool
	strict     bool
	almostDone float64
	onFinish   func(Snapshot)
	notified   atomic.Bool
	// guarded is set when the counter relies on mu for visibility.
	guarded bool

	mu      sync.RWMutex
	status  Status
	total   int64
	already int64
	startAt time.Time
	stopAt  time.Time
	ext     map[string]string
}

// NewTracker returns a WAITING tracker for the task id.
func NewTracker(id string, opts ...Option) *Tracker {
	t := &Tracker{
		id:         id,
		counter:    NewAtomicCounter(),
		clock:      wallClock{},
		autoFinish: true,
		strict:     true,
		almostDone: DefaultAlmostDone,
		ext:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	_, selfSync := t.counter.(synchronizedCounter)
	t.guarded = !selfSync
	return t
}

// ID returns the task id.
func (t *Tracker) ID() string {
	return t.id
}

// Status returns the current state.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Total returns the item count the task was sized to.
func (t *Tracker) Total() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// SetTotal fixes the item count. It is only allowed while WAITING.
func (t *Tracker) SetTotal(total int64) error {
	if total < 0 {
		return fmt.Errorf("total must be >= 0, got %d", total)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusWaiting {
		return illegal("set total", t.status)
	}
	t.total = total
	t.counter.Reset(total)
	t.already = 0
	return nil
}

// Resume records n items completed before this run started. They count as
// successes and are excluded from throughput when estimating time left.
func (t *Tracker) Resume(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusWaiting {
		return illegal("resume", t.status)
	}
	if n < 0 || n > t.total {
		return fmt.Errorf("resume count %d not in [0,%d]", n, t.total)
	}
	if err := t.counter.Add(n, 0); err != nil {
		for slot := int64(0); slot < n; slot++ {
			if _, markErr := t.counter.Mark(slot, true); markErr != nil {
				return fmt.Errorf("resume slot %d: %w", slot, markErr)
			}
		}
	}
	t.already = n
	return nil
}

// Start moves WAITING to RUNNING. A tracker with nothing to do finishes at once.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusWaiting {
		return illegal("start", t.status)
	}
	now := t.clock.Now()
	t.startAt = now
	t.status = StatusRunning
	if t.total == 0 || t.processedLocked() == t.total {
		t.status = StatusFinished
		t.stopAt = now
	}
	return nil
}

// FailStop moves any non-terminal state to EXCEPTION. Terminal trackers are left alone.
func (t *Tracker) FailStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	now := t.clock.Now()
	if t.startAt.IsZero() {
		t.startAt = now
	}
	t.status = StatusException
	t.stopAt = now
}

// Finish moves RUNNING to FINISHED. In strict mode every item must have been
// processed. Finishing an already finished tracker is a no-op.
func (t *Tracker) Finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusFinished:
		return nil
	case StatusRunning:
	default:
		return illegal("finish", t.status)
	}
	if processed := t.processedLocked(); t.strict && processed != t.total {
		return fmt.Errorf("%w: finish with processed=%d total=%d", ErrIllegalStatus, processed, t.total)
	}
	t.status = StatusFinished
	t.stopAt = t.clock.Now()
	return nil
}

// AddSuccess counts n successful items.
func (t *Tracker) AddSuccess(n int64) error {
	return t.add(n, 0)
}

// AddFail counts n failed items.
func (t *Tracker) AddFail(n int64) error {
	return t.add(0, n)
}

func (t *Tracker) add(success, fail int64) error {
	if success < 0 || fail < 0 {
		return fmt.Errorf("negative progress delta %d/%d", success, fail)
	}
	if s := t.Status(); s != StatusRunning {
		return illegal("add", s)
	}
	if t.guarded {
		t.mu.Lock()
	}
	err := t.counter.Add(success, fail)
	if t.guarded {
		t.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("tracker %s: %w", t.id, err)
	}
	t.maybeAutoFinish()
	return nil
}

// FinishPart marks slot as succeeded. It reports whether the slot was newly marked.
func (t *Tracker) FinishPart(slot int64) (bool, error) {
	return t.mark(slot, true)
}

// FailPart marks slot as failed. It reports whether the slot was newly marked.
func (t *Tracker) FailPart(slot int64) (bool, error) {
	return t.mark(slot, false)
}

func (t *Tracker) mark(slot int64, success bool) (bool, error) {
	if s := t.Status(); s != StatusRunning {
		return false, illegal("mark", s)
	}
	if t.guarded {
		t.mu.Lock()
	}
	changed, err := t.counter.Mark(slot, success)
	if t.guarded {
		t.mu.Unlock()
	}
	if err != nil {
		return false, fmt.Errorf("tracker %s: %w", t.id, err)
	}
	if changed {
		t.maybeAutoFinish()
	}
	return changed, nil
}

func (t *Tracker) maybeAutoFinish() {
	if !t.autoFinish {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusRunning && t.processedLocked() == t.total {
		t.status = StatusFinished
		t.stopAt = t.clock.Now()
	}
}

// Counts returns success and fail counts.
func (t *Tracker) Counts() (success, fail int64) {
	if t.guarded {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}
	return t.counter.Counts()
}

// Processed returns success+fail.
func (t *Tracker) Processed() int64 {
	s, f := t.Counts()
	return s + f
}

func (t *Tracker) processedLocked() int64 {
	s, f := t.counter.Counts()
	return s + f
}

// HasFinished reports whether the tracker reached a terminal state.
func (t *Tracker) HasFinished() bool {
	return t.Status().Terminal()
}

// ProcessedTime is zero while waiting, otherwise the elapsed run time.
func (t *Tracker) ProcessedTime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.elapsedLocked()
}

func (t *Tracker) elapsedLocked() time.Duration {
	if t.status == StatusWaiting || t.startAt.IsZero() {
		return 0
	}
	end := t.stopAt
	if end.IsZero() {
		end = t.clock.Now()
	}
	return end.Sub(t.startAt)
}

// Progress returns the completion ratio in [0,1]. While every item is
// processed but the task is not finalized it reports the almost-done ratio.
func (t *Tracker) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progressLocked()
}

func (t *Tracker) progressLocked() float64 {
	if t.status.Terminal() {
		return 1
	}
	if t.total <= 0 {
		return 0
	}
	processed := t.processedLocked()
	if processed >= t.total {
		return t.almostDone
	}
	return float64(processed) / float64(t.total)
}

// TimeLeft extrapolates linearly from the throughput of this run.
func (t *Tracker) TimeLeft() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.timeLeftLocked()
}

func (t *Tracker) timeLeftLocked() time.Duration {
	if t.status.Terminal() {
		return 0
	}
	processed := t.processedLocked()
	done := processed - t.already
	if done <= 0 {
		return UnknownTimeLeft
	}
	remaining := t.total - processed
	if remaining <= 0 {
		return 0
	}
	elapsed := t.elapsedLocked()
	return time.Duration(float64(elapsed) * float64(remaining) / float64(done))
}

// Extend sets a free-form attribute carried in snapshots.
func (t *Tracker) Extend(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ext[key] = value
}

// Extensions returns a copy of the attribute map.
func (t *Tracker) Extensions() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.ext)
}

// NotifyFinished runs the on-finish callback the first time it is called on
// a terminal tracker. It reports whether the callback ran.
func (t *Tracker) NotifyFinished() bool {
	if !t.HasFinished() {
		return false
	}
	if !t.notified.CompareAndSwap(false, true) {
		return false
	}
	if t.onFinish != nil {
		t.onFinish(t.Snapshot())
	}
	return true
}

// Snapshot captures a consistent, serializable view of the tracker.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	success, fail := t.counter.Counts()
	snap := Snapshot{
		TaskID:          t.id,
		Status:          t.status,
		StatusName:      t.status.String(),
		Total:           t.total,
		Processed:       success + fail,
		Success:         success,
		Fail:            fail,
		AlreadyFinished: t.already,
		Progress:        t.progressLocked(),
		ProcessedTime:   t.elapsedLocked(),
		TimeLeft:        t.timeLeftLocked(),
		Extensions:      maps.Clone(t.ext),
	}
	if !t.startAt.IsZero() {
		start := t.startAt
		snap.StartedAt = &start
	}
	if !t.stopAt.IsZero() {
		stop := t.stopAt
		snap.StoppedAt = &stop
	}
	return snap
}

// Snapshot is the stored and serialized form of a Tracker.
type Snapshot struct {
	TaskID          string            `json:"task_id"`
	Status          Status            `json:"status"`
	StatusName      string            `json:"status_name"`
	Total           int64             `json:"total"`
	Processed       int64             `json:"processed"`
	Success         int64             `json:"success"`
	Fail            int64             `json:"fail"`
	AlreadyFinished int64             `json:"already_finished"`
	Progress        float64           `json:"progress"`
	ProcessedTime   time.Duration     `json:"processed_time_ns"`
	TimeLeft        time.Duration     `json:"time_left_ns"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	StoppedAt       *time.Time        `json:"stopped_at,omitempty"`
	Extensions      map[string]string `json:"extensions,omitempty"`
}

// Finished reports whether the snapshot is in a terminal state.
func (s Snapshot) Finished() bool {
	return s.Status.Terminal()
}

// Package schedule runs repeating tasks that reschedule themselves until they
// report completion or are canceled.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrStopped is returned by Repeat after Stop.
var ErrStopped = errors.New("scheduler stopped")

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse accepts a cron expression with an optional seconds field or a
// descriptor such as "@every 2s".
func Parse(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Every returns a schedule firing at a fixed interval after each run.
// Unlike cron.Every it keeps sub-second precision.
func Every(d time.Duration) cron.Schedule {
	return interval(d)
}

type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

// Func is one run of a repeating task. Returning false stops the repetition.
type Func func(ctx context.Context) bool

// Handle is the cancel token of a scheduled repetition.
type Handle struct {
	id     string
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}
	runs   atomic.Int64
}

// ID returns the key the task was registered under.
func (h *Handle) ID() string { return h.id }

// Cancel stops future runs. A run already in progress completes.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancel) })
}

// Done is closed once the repetition has ended for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Runs returns how many times the task has executed.
func (h *Handle) Runs() int64 { return h.runs.Load() }

// Scheduler owns the repeating tasks of one process.
type Scheduler struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// Repeat runs fn on sched until fn returns false, the handle is canceled, or
// ctx ends. Registering an id that is already scheduled cancels the older task.
func (s *Scheduler) Repeat(ctx context.Context, id string, sched cron.Schedule, fn Func) (*Handle, error) {
	if sched == nil || fn == nil {
		return nil, errors.New("schedule and func are required")
	}
	h := &Handle{id: id, cancel: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if prev, ok := s.handles[id]; ok {
		prev.Cancel()
	}
	s.handles[id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx, h, sched, fn)
	return h, nil
}

// Cancel stops the task registered under id and reports whether one existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Lookup returns the live handle registered under id.
func (s *Scheduler) Lookup(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Len returns the number of live repetitions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Stop cancels every task and waits for them to exit or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, h := range s.handles {
		h.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, h *Handle, sched cron.Schedule, fn Func) {
	defer s.wg.Done()
	defer close(h.done)
	defer s.forget(h)

	for {
		now := s.now()
		timer := time.NewTimer(max(sched.Next(now).Sub(now), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.cancel:
			timer.Stop()
			return
		case <-timer.C:
		}
		h.runs.Add(1)
		if !s.run(ctx, h, fn) {
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, h *Handle, fn Func) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("id", h.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			again = true
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.id] == h {
		delete(s.handles, h.id)
	}
}

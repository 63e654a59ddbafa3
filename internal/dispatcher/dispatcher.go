// Package dispatcher provides the bounded executor that fans slice workers
// out onto a fixed set of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/metrics"
)

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("dispatcher shut down")

// Config sizes the pool.
type Config struct {
	// Workers is the number of goroutines executing submitted work.
	Workers int
	// QueueSize bounds how much work may wait for a free goroutine.
	// Zero means a submission is accepted only when a goroutine is idle.
	QueueSize int
}

// Dispatcher is a fixed-size goroutine pool. Submit never blocks: when every
// goroutine is busy and the queue is full it returns batch.ErrRejected so the
// caller can run the work inline.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	work   chan func(ctx context.Context)
	logger *zap.Logger

	mu       sync.RWMutex
	shutdown bool
	wg       sync.WaitGroup

	size   int
	active atomic.Int64
}

// New starts a Dispatcher with cfg.Workers goroutines.
func New(cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatcher workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("dispatcher queue size must be >= 0, got %d", cfg.QueueSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		work:   make(chan func(ctx context.Context), cfg.QueueSize),
		logger: logger,
		size:   cfg.Workers,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.loop(i)
	}
	return d, nil
}

// Submit hands fn to an idle goroutine or the queue without blocking.
func (d *Dispatcher) Submit(fn func(ctx context.Context)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.shutdown {
		return ErrShutdown
	}
	select {
	case d.work <- fn:
		metrics.SetPoolQueueDepth(len(d.work))
		return nil
	default:
		metrics.ObservePoolRejection()
		return batch.ErrRejected
	}
}

// CanExecute is the admission gate for new runs: it reports whether queued
// plus running work is below threshold. A non-positive threshold defaults to
// the pool size.
func (d *Dispatcher) CanExecute(threshold int) bool {
	if threshold <= 0 {
		threshold = d.size
	}
	return d.QueueLen()+d.Active() < threshold
}

// Size returns the number of goroutines in the pool.
func (d *Dispatcher) Size() int {
	return d.size
}

// Active returns the number of goroutines currently running work.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// QueueLen returns the number of submissions waiting for a goroutine.
func (d *Dispatcher) QueueLen() int {
	return len(d.work)
}

// Shutdown stops accepting work, lets queued work finish, and waits for the
// goroutines to exit or ctx to expire. Running work sees its context canceled
// only when ctx expires first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.shutdown {
		d.shutdown = true
		close(d.work)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) loop(id int) {
	defer d.wg.Done()
	for fn := range d.work {
		metrics.SetPoolQueueDepth(len(d.work))
		d.run(id, fn)
	}
}

func (d *Dispatcher) run(id int, fn func(ctx context.Context)) {
	d.active.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatched work panicked",
				zap.Int("goroutine", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
		metrics.DecActiveWorkers()
		d.active.Add(-1)
	}()
	fn(d.ctx)
}

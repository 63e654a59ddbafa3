package progress

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

// Counter is the strategy a Tracker uses to count item outcomes. Processed is
// always derived as success+fail and never stored separately.
type Counter interface {
	// Add increments the success and fail counts.
	Add(success, fail int64) error
	// Mark records the outcome of one slot. It returns false when the slot
	// was already marked.
	Mark(slot int64, success bool) (bool, error)
	// Counts returns the current success and fail counts.
	Counts() (success, fail int64)
	// Reset clears the counts and sizes the counter for total items.
	Reset(total int64)
}

// synchronizedCounter is implemented by counters that guard their own state.
// Trackers serialize access to any other counter under their own lock.
type synchronizedCounter interface {
	synchronized()
}

// AtomicCounter is safe for concurrent updates from many workers.
type AtomicCounter struct {
	success atomic.Int64
	fail    atomic.Int64
}

// NewAtomicCounter returns the default multi-writer counter.
func NewAtomicCounter() *AtomicCounter {
	return &AtomicCounter{}
}

// Add implements Counter.
func (c *AtomicCounter) Add(success, fail int64) error {
	c.success.Add(success)
	c.fail.Add(fail)
	return nil
}

// Mark implements Counter; slot tracking is not available.
func (c *AtomicCounter) Mark(int64, bool) (bool, error) {
	return false, fmt.Errorf("atomic counter mark: %w", ErrUnsupportedCounter)
}

// Counts implements Counter.
func (c *AtomicCounter) Counts() (int64, int64) {
	return c.success.Load(), c.fail.Load()
}

// Reset implements Counter.
func (c *AtomicCounter) Reset(int64) {
	c.success.Store(0)
	c.fail.Store(0)
}

func (*AtomicCounter) synchronized() {}

// PlainCounter uses plain fields and has a single writer. A Tracker guards
// it with its own lock so snapshots may be read concurrently.
type PlainCounter struct {
	success int64
	fail    int64
}

// NewPlainCounter returns a single-writer counter.
func NewPlainCounter() *PlainCounter {
	return &PlainCounter{}
}

// Add implements Counter.
func (c *PlainCounter) Add(success, fail int64) error {
	c.success += success
	c.fail += fail
	return nil
}

// Mark implements Counter; slot tracking is not available.
func (c *PlainCounter) Mark(int64, bool) (bool, error) {
	return false, fmt.Errorf("plain counter mark: %w", ErrUnsupportedCounter)
}

// Counts implements Counter.
func (c *PlainCounter) Counts() (int64, int64) {
	return c.success, c.fail
}

// Reset implements Counter.
func (c *PlainCounter) Reset(int64) {
	c.success, c.fail = 0, 0
}

// BitsetCounter tracks outcomes per slot in [0,total). Marking a slot that is
// already marked is a no-op, so repeated completions never inflate counts.
type BitsetCounter struct {
	mu      sync.Mutex
	total   uint
	success *bitset.BitSet
	fail    *bitset.BitSet
}

// NewBitsetCounter returns an idempotent slot counter.
func NewBitsetCounter() *BitsetCounter {
	return &BitsetCounter{success: bitset.New(0), fail: bitset.New(0)}
}

// Add implements Counter; bulk increments would break idempotency.
func (c *BitsetCounter) Add(int64, int64) error {
	return fmt.Errorf("bitset counter add: %w", ErrUnsupportedCounter)
}

// Mark implements Counter.
func (c *BitsetCounter) Mark(slot int64, success bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || uint(slot) >= c.total {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrSlotOutOfRange, slot, c.total)
	}
	idx := uint(slot)
	if c.success.Test(idx) || c.fail.Test(idx) {
		return false, nil
	}
	if success {
		c.success.Set(idx)
	} else {
		c.fail.Set(idx)
	}
	return true, nil
}

// Counts implements Counter.
func (c *BitsetCounter) Counts() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.success.Count()), int64(c.fail.Count())
}

func (*BitsetCounter) synchronized() {}

// Reset implements Counter.
func (c *BitsetCounter) Reset(total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total < 0 {
		total = 0
	}
	c.total = uint(total)
	c.success = bitset.New(c.total)
	c.fail = bitset.New(c.total)
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/queue"
)

func TestWorker_Run_AllItemsSucceed(t *testing.T) {
	t.Parallel()

	handler := batch.FuncHandler{
		DataType: "sku",
		Fn: func(_ context.Context, s batch.Slice) ([]batch.ResultDetail, error) {
			out := make([]batch.ResultDetail, 0, s.Len())
			for i, item := range s.Items {
				out = append(out, batch.Succeeded(i, item))
			}
			return out, nil
		},
	}
	emitter := &recordingEmitter{}
	w := New(batch.NewHandlerRegistry(handler), emitter, fixedClock{}, zap.NewNop())

	jobs, results := newQueues(t, sliceOf("t1", 0, 0, 3), sliceOf("t1", 1, 3, 2))
	n, err := w.Run(context.Background(), jobs, results)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	details := drain(results)
	require.Len(t, details, 5)
	seen := map[int]bool{}
	for _, d := range details {
		require.Equal(t, batch.StatusSuccess, d.Status)
		require.Equal(t, "t1", d.TaskID)
		require.Equal(t, "update", d.Operation)
		seen[d.GlobalIndex] = true
	}
	require.Len(t, seen, 5)

	events := emitter.all()
	require.Len(t, events, 2)
	require.Equal(t, progress.StageSliceDone, events[0].Stage)
	require.Equal(t, int64(3), events[0].Success)
	require.Equal(t, int64(2), events[1].Success)
}

func TestWorker_Run_HandlerErrorBecomesUnknown(t *testing.T) {
	t.Parallel()

	handler := batch.FuncHandler{
		DataType: "sku",
		Fn: func(_ context.Context, s batch.Slice) ([]batch.ResultDetail, error) {
			return []batch.ResultDetail{batch.Succeeded(0, s.Items[0])}, errors.New("db down")
		},
	}
	w := New(batch.NewHandlerRegistry(handler), nil, nil, zap.NewNop())

	jobs, results := newQueues(t, sliceOf("t2", 0, 10, 3))
	n, err := w.Run(context.Background(), jobs, results)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	details := drain(results)
	require.Len(t, details, 3)
	require.Equal(t, batch.StatusSuccess, details[0].Status)
	require.Equal(t, 10, details[0].GlobalIndex)
	for _, d := range details[1:] {
		require.Equal(t, batch.StatusUnknown, d.Status)
		require.Equal(t, "db down", d.Reason)
		require.NotEmpty(t, d.Snapshot)
	}
	require.Equal(t, 12, details[2].GlobalIndex)
}

func TestWorker_Run_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	handler := batch.FuncHandler{
		DataType: "sku",
		Fn: func(context.Context, batch.Slice) ([]batch.ResultDetail, error) {
			panic("boom")
		},
	}
	w := New(batch.NewHandlerRegistry(handler), nil, fixedClock{}, zap.NewNop())

	jobs, results := newQueues(t, sliceOf("t3", 0, 0, 2))
	_, err := w.Run(context.Background(), jobs, results)
	require.NoError(t, err)

	details := drain(results)
	require.Len(t, details, 2)
	for _, d := range details {
		require.Equal(t, batch.StatusUnknown, d.Status)
		require.Contains(t, d.Reason, "boom")
	}
}

func TestWorker_Run_ReconcilesDuplicatesAndOutOfRange(t *testing.T) {
	t.Parallel()

	handler := batch.FuncHandler{
		DataType: "sku",
		Fn: func(context.Context, batch.Slice) ([]batch.ResultDetail, error) {
			return []batch.ResultDetail{
				batch.Succeeded(0, nil),
				batch.Failed(0, "dup", nil),
				batch.Succeeded(7, nil),
				{Index: 1, Status: "weird"},
			}, nil
		},
	}
	w := New(batch.NewHandlerRegistry(handler), nil, fixedClock{}, zap.NewNop())

	jobs, results := newQueues(t, sliceOf("t4", 0, 0, 3))
	_, err := w.Run(context.Background(), jobs, results)
	require.NoError(t, err)

	details := drain(results)
	require.Len(t, details, 3)
	require.Equal(t, batch.StatusSuccess, details[0].Status)
	require.Equal(t, batch.StatusUnknown, details[1].Status)
	require.Equal(t, batch.StatusUnknown, details[2].Status)
	require.Equal(t, "no result reported by handler", details[2].Reason)
}

func TestWorker_Run_UnsupportedSliceStops(t *testing.T) {
	t.Parallel()

	w := New(batch.NewHandlerRegistry(), nil, fixedClock{}, zap.NewNop())
	jobs, results := newQueues(t, sliceOf("t5", 0, 0, 1))

	n, err := w.Run(context.Background(), jobs, results)
	require.ErrorIs(t, err, batch.ErrUnsupported)
	require.Zero(t, n)
	require.Zero(t, results.Len())
}

func TestWorker_Run_ConcurrentWorkersShareQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := map[int]int{}
	handler := batch.FuncHandler{
		DataType: "sku",
		Fn: func(_ context.Context, s batch.Slice) ([]batch.ResultDetail, error) {
			mu.Lock()
			calls[s.Seq]++
			mu.Unlock()
			out := make([]batch.ResultDetail, s.Len())
			for i := range out {
				out[i] = batch.Succeeded(i, nil)
			}
			return out, nil
		},
	}
	registry := batch.NewHandlerRegistry(handler)

	slices := make([]batch.Slice, 0, 20)
	for i := 0; i < 20; i++ {
		slices = append(slices, sliceOf("t6", i, i*2, 2))
	}
	jobs, results := newQueues(t, slices...)

	var wg sync.WaitGroup
	total := make([]int, 4)
	errs := make([]error, 4)
	for i := range total {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			total[i], errs[i] = New(registry, nil, fixedClock{}, zap.NewNop()).Run(context.Background(), jobs, results)
		}(i)
	}
	wg.Wait()

	sum := 0
	for i, n := range total {
		require.NoError(t, errs[i])
		sum += n
	}
	require.Equal(t, 20, sum)
	require.Len(t, calls, 20)
	for seq, c := range calls {
		require.Equalf(t, 1, c, "slice %d processed %d times", seq, c)
	}
	require.Equal(t, 40, results.Len())
}

func newQueues(t *testing.T, slices ...batch.Slice) (*queue.Bounded[batch.Slice], *queue.Bounded[batch.ResultDetail]) {
	t.Helper()
	jobs := queue.NewBounded[batch.Slice](len(slices))
	items := 0
	for _, s := range slices {
		require.NoError(t, jobs.Offer(s))
		items += s.Len()
	}
	return jobs, queue.NewBounded[batch.ResultDetail](items)
}

func sliceOf(taskID string, seq, offset, n int) batch.Slice {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, offset+i))
	}
	return batch.Slice{
		TaskID:    taskID,
		Seq:       seq,
		Offset:    offset,
		DataType:  "sku",
		Operation: "update",
		Items:     items,
	}
}

func drain(q *queue.Bounded[batch.ResultDetail]) []batch.ResultDetail {
	var out []batch.ResultDetail
	for {
		d, ok := q.Poll()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(100, 0).UTC() }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

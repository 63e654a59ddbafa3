package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func itemsOf(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	return out
}

// TestFixedSizeSplitterCoversEveryItemOnce checks slices partition the task in order.
func TestFixedSizeSplitterCoversEveryItemOnce(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		items, size, slices int
	}{
		{items: 1, size: 3, slices: 1},
		{items: 10, size: 3, slices: 4},
		{items: 12, size: 4, slices: 3},
		{items: 250, size: 0, slices: 3},
	} {
		t.Run(fmt.Sprintf("%d_by_%d", tc.items, tc.size), func(t *testing.T) {
			t.Parallel()

			task := Task{ID: "t", DataType: "user", Operation: "import", Items: itemsOf(tc.items)}
			slices, err := NewFixedSizeSplitter(tc.size).Split(task)
			require.NoError(t, err)
			require.Len(t, slices, tc.slices)

			sum := 0
			for i, s := range slices {
				require.Equal(t, i, s.Seq)
				require.Equal(t, sum, s.Offset)
				require.Equal(t, "user", s.DataType)
				require.Equal(t, "import", s.Operation)
				for j, item := range s.Items {
					require.JSONEq(t, string(task.Items[s.Offset+j]), string(item))
				}
				sum += s.Len()
			}
			require.Equal(t, tc.items, sum)
		})
	}
}

// TestFixedSizeSplitterEmptyTask rejects a task without items.
func TestFixedSizeSplitterEmptyTask(t *testing.T) {
	t.Parallel()

	_, err := NewFixedSizeSplitter(5).Split(Task{ID: "t"})
	require.ErrorIs(t, err, ErrEmptyTask)
}

// TestSizedSplitterExactSizes splits ten items into 4/3/3.
func TestSizedSplitterExactSizes(t *testing.T) {
	t.Parallel()

	s := SizedSplitter{DataType: "user", Operation: "import", Sizes: []int{4, 3, 3}}
	task := Task{ID: "t", DataType: "user", Operation: "import", Items: itemsOf(10)}
	require.True(t, s.Supports(task))
	slices, err := s.Split(task)
	require.NoError(t, err)
	require.Len(t, slices, 3)
	require.Equal(t, []int{4, 3, 3}, []int{slices[0].Len(), slices[1].Len(), slices[2].Len()})
	require.Equal(t, []int{0, 4, 7}, []int{slices[0].Offset, slices[1].Offset, slices[2].Offset})

	require.False(t, s.Supports(Task{DataType: "user", Operation: "import", Items: itemsOf(9)}))
}

// TestSplitterRegistryFallsBack resolves the fallback when nothing matches.
func TestSplitterRegistryFallsBack(t *testing.T) {
	t.Parallel()

	sized := SizedSplitter{DataType: "user", Operation: "import", Sizes: []int{2, 2}}
	fallback := NewFixedSizeSplitter(3)
	reg := NewSplitterRegistry(fallback, sized)

	require.Equal(t, sized, reg.Resolve(Task{DataType: "user", Operation: "import", Items: itemsOf(4)}))
	require.Same(t, fallback, reg.Resolve(Task{DataType: "user", Operation: "export", Items: itemsOf(4)}))

	var nilReg *SplitterRegistry
	require.NotNil(t, nilReg.Resolve(Task{}))
}

// TestSplitterRegistryDefaultsToDefaultSliceSize uses one default everywhere.
func TestSplitterRegistryDefaultsToDefaultSliceSize(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t", Items: itemsOf(DefaultSliceSize + 1)}
	var nilReg *SplitterRegistry
	for _, s := range []TaskSplitter{
		NewSplitterRegistry(nil).Resolve(task),
		nilReg.Resolve(task),
		NewFixedSizeSplitter(0),
	} {
		parts, err := s.Split(task)
		require.NoError(t, err)
		require.Len(t, parts, 2)
		require.Equal(t, DefaultSliceSize, parts[0].Len())
		require.Equal(t, 1, parts[1].Len())
	}
	require.Equal(t, 500, DefaultSliceSize)
}

// TestHandlerRegistryResolve returns the first matching handler in order.
func TestHandlerRegistryResolve(t *testing.T) {
	t.Parallel()

	first := FuncHandler{DataType: "user"}
	second := FuncHandler{DataType: "user", Operation: "import"}
	reg := NewHandlerRegistry(nil, first, second)
	require.Equal(t, 2, reg.Len())

	h, err := reg.Resolve("user", "import")
	require.NoError(t, err)
	require.Equal(t, first, h)

	_, err = reg.Resolve("order", "import")
	require.ErrorIs(t, err, ErrUnsupported)
	require.Contains(t, err.Error(), "order/import")
}

// TestFuncHandlerHandle delegates to the wrapped function.
func TestFuncHandlerHandle(t *testing.T) {
	t.Parallel()

	h := FuncHandler{DataType: "user", Fn: func(_ context.Context, s Slice) ([]ResultDetail, error) {
		return []ResultDetail{Succeeded(0, s.Items[0])}, nil
	}}
	out, err := h.Handle(context.Background(), Slice{Items: itemsOf(1)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Status.Succeeded())

	out, err = FuncHandler{}.Handle(context.Background(), Slice{})
	require.NoError(t, err)
	require.Empty(t, out)
}

// TestStorageErrorMatchesSentinelAndCause keeps both errors visible to errors.Is.
func TestStorageErrorMatchesSentinelAndCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	var err error = &StorageError{TaskID: "t1", Op: "insert record", Err: cause}
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, cause)

	var se *StorageError
	require.ErrorAs(t, fmt.Errorf("run: %w", err), &se)
	require.Equal(t, "t1", se.TaskID)
}

package batch

import "fmt"

// DefaultSliceSize is used when a FixedSizeSplitter is built with size <= 0.
const DefaultSliceSize = 500

// FixedSizeSplitter chunks task items into slices of at most Size items.
// It accepts every task and is the registry's fallback.
type FixedSizeSplitter struct {
	Size int
}

// NewFixedSizeSplitter returns a splitter producing slices of size items.
func NewFixedSizeSplitter(size int) *FixedSizeSplitter {
	if size <= 0 {
		size = DefaultSliceSize
	}
	return &FixedSizeSplitter{Size: size}
}

// Supports accepts any task.
func (s *FixedSizeSplitter) Supports(Task) bool {
	return true
}

// Split partitions task items in order. The last slice may be short.
func (s *FixedSizeSplitter) Split(task Task) ([]Slice, error) {
	if len(task.Items) == 0 {
		return nil, ErrEmptyTask
	}
	size := s.Size
	if size <= 0 {
		size = DefaultSliceSize
	}
	out := make([]Slice, 0, (len(task.Items)+size-1)/size)
	for offset := 0; offset < len(task.Items); offset += size {
		end := min(offset+size, len(task.Items))
		out = append(out, Slice{
			TaskID:    task.ID,
			Seq:       len(out),
			Offset:    offset,
			DataType:  task.DataType,
			Operation: task.Operation,
			Items:     task.Items[offset:end:end],
		})
	}
	return out, nil
}

// SizedSplitter splits a task into slices with the exact sizes given, in
// order. It supports a task only when the sizes sum to the item count.
type SizedSplitter struct {
	DataType  string
	Operation string
	Sizes     []int
}

// Supports reports whether the splitter is registered for the task's
// data type/operation and its sizes cover the task exactly.
func (s SizedSplitter) Supports(task Task) bool {
	if task.DataType != s.DataType || task.Operation != s.Operation {
		return false
	}
	total := 0
	for _, n := range s.Sizes {
		if n <= 0 {
			return false
		}
		total += n
	}
	return total == len(task.Items)
}

// Split cuts the task along the configured sizes.
func (s SizedSplitter) Split(task Task) ([]Slice, error) {
	if len(task.Items) == 0 {
		return nil, ErrEmptyTask
	}
	if !s.Supports(task) {
		return nil, fmt.Errorf("sized splitter does not cover %d items", len(task.Items))
	}
	out := make([]Slice, 0, len(s.Sizes))
	offset := 0
	for seq, n := range s.Sizes {
		end := offset + n
		out = append(out, Slice{
			TaskID:    task.ID,
			Seq:       seq,
			Offset:    offset,
			DataType:  task.DataType,
			Operation: task.Operation,
			Items:     task.Items[offset:end:end],
		})
		offset = end
	}
	return out, nil
}

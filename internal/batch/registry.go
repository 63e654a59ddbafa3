package batch

import "context"

// SplitterRegistry resolves the splitter for a task. Registered splitters are
// consulted in order; the fallback is used when none of them support the task.
type SplitterRegistry struct {
	splitters []TaskSplitter
	fallback  TaskSplitter
}

// NewSplitterRegistry builds an immutable registry. A nil fallback defaults to
// a FixedSizeSplitter with DefaultSliceSize.
func NewSplitterRegistry(fallback TaskSplitter, splitters ...TaskSplitter) *SplitterRegistry {
	if fallback == nil {
		fallback = NewFixedSizeSplitter(DefaultSliceSize)
	}
	return &SplitterRegistry{
		splitters: append([]TaskSplitter(nil), splitters...),
		fallback:  fallback,
	}
}

// Resolve returns the first registered splitter supporting task, or the fallback.
func (r *SplitterRegistry) Resolve(task Task) TaskSplitter {
	if r == nil {
		return NewFixedSizeSplitter(DefaultSliceSize)
	}
	for _, s := range r.splitters {
		if s != nil && s.Supports(task) {
			return s
		}
	}
	return r.fallback
}

// HandlerRegistry maps (data type, operation) capabilities to handlers.
// It is built once and shared read-only between workers.
type HandlerRegistry struct {
	handlers []SliceHandler
}

// NewHandlerRegistry builds an immutable registry; earlier handlers win.
func NewHandlerRegistry(handlers ...SliceHandler) *HandlerRegistry {
	out := make([]SliceHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return &HandlerRegistry{handlers: out}
}

// Resolve returns the first handler supporting the pair or an ErrUnsupported error.
func (r *HandlerRegistry) Resolve(dataType, operation string) (SliceHandler, error) {
	if r != nil {
		for _, h := range r.handlers {
			if h.Supports(dataType, operation) {
				return h, nil
			}
		}
	}
	return nil, UnsupportedError(dataType, operation)
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}

// FuncHandler adapts a function into a SliceHandler bound to one
// data type/operation pair. An empty Operation matches any operation.
type FuncHandler struct {
	DataType  string
	Operation string
	Fn        func(ctx context.Context, slice Slice) ([]ResultDetail, error)
}

// Supports matches the configured pair.
func (h FuncHandler) Supports(dataType, operation string) bool {
	if h.DataType != dataType {
		return false
	}
	return h.Operation == "" || h.Operation == operation
}

// Handle invokes Fn.
func (h FuncHandler) Handle(ctx context.Context, slice Slice) ([]ResultDetail, error) {
	if h.Fn == nil {
		return nil, nil
	}
	return h.Fn(ctx, slice)
}

// Package handlers contains slice handlers that ship with the binary.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/bulkops/internal/batch"
)

// JSON data type and the operations JSONHandler serves.
const (
	DataTypeJSON      = "json"
	OperationValidate = "validate"
	OperationCompact  = "compact"
)

// JSONHandler processes slices of raw JSON items. "validate" accepts items
// that are JSON objects; "compact" additionally rewrites each accepted item
// in compact form into the result snapshot.
type JSONHandler struct {
	// RequiredFields lists keys every object must carry.
	RequiredFields []string
}

var _ batch.SliceHandler = JSONHandler{}

// Supports reports whether the pair is one of the JSON operations.
func (h JSONHandler) Supports(dataType, operation string) bool {
	return dataType == DataTypeJSON && (operation == OperationValidate || operation == OperationCompact)
}

// Handle returns one result per item and never fails the slice as a whole.
func (h JSONHandler) Handle(ctx context.Context, slice batch.Slice) ([]batch.ResultDetail, error) {
	out := make([]batch.ResultDetail, 0, slice.Len())
	for i, item := range slice.Items {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("slice %d canceled after %d items: %w", slice.Seq, i, err)
		}
		out = append(out, h.handleItem(i, item, slice.Operation))
	}
	return out, nil
}

func (h JSONHandler) handleItem(index int, item json.RawMessage, operation string) batch.ResultDetail {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(item, &obj); err != nil {
		return batch.Failed(index, fmt.Sprintf("not a JSON object: %v", err), item)
	}
	if obj == nil {
		return batch.Failed(index, "not a JSON object: null", item)
	}
	for _, field := range h.RequiredFields {
		if _, ok := obj[field]; !ok {
			return batch.Failed(index, fmt.Sprintf("missing required field %q", field), item)
		}
	}
	if operation == OperationCompact {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item); err != nil {
			return batch.Failed(index, fmt.Sprintf("compact: %v", err), item)
		}
		return batch.Succeeded(index, buf.Bytes())
	}
	return batch.Succeeded(index, item)
}

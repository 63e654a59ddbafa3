package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/storage/memory"
	"github.com/JakeFAU/bulkops/internal/store"
)

// ExampleRunHandler_ListRuns shows how to serve the /v1/runs endpoint.
func ExampleRunHandler_ListRuns() {
	repo := memory.NewRunStore()
	_ = repo.UpsertRunStart(context.Background(), store.TaskRun{
		TaskID:    "00000000-0000-0000-0000-0000000000aa",
		DataType:  "json",
		Operation: "validate",
		StartedAt: time.Unix(0, 0),
	})
	handler := NewRunHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, status: %v\n", len(payload.Runs), payload.Runs[0]["status"])
	// Output:
	// returned runs: 1, status: running
}

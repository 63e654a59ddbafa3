package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/config"
)

func taskFor(dataType, operation string, items ...string) batch.Task {
	task := batch.Task{DataType: dataType, Operation: operation}
	for _, item := range items {
		task.Items = append(task.Items, json.RawMessage(item))
	}
	return task
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(viper.New(), false)
	require.NoError(t, err)
	cfg.Progress.Refresh = "@every 10ms"
	cfg.Batch.SliceSize = 2
	cfg.Storage.Backend = config.BackendMemory
	cfg.PubSub.Backend = config.BackendMemory
	cfg.PubSub.TopicName = "bulkops-summaries"
	cfg.Events.MaxWaitMs = 10
	return &cfg
}

func buildApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	return app
}

func TestBuildServesTaskEndToEnd(t *testing.T) {
	t.Parallel()

	app := buildApp(t, memoryConfig(t))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	body, err := json.Marshal(map[string]any{
		"task_id":   "e2e-1",
		"data_type": "json",
		"operation": "validate",
		"persist":   true,
		"items":     []any{map[string]int{"a": 1}, map[string]int{"b": 2}, "not-an-object"},
	})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/v1/tasks/e2e-1/progress")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			return false
		}
		var snap struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.Status == "finished"
	}, 5*time.Second, 20*time.Millisecond)

	// The record is written right after the tracker finishes.
	var payload struct {
		Record struct {
			Total   int64 `json:"total"`
			Success int64 `json:"success"`
			Fail    int64 `json:"fail"`
		} `json:"record"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/v1/tasks/e2e-1/record")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK && json.NewDecoder(r.Body).Decode(&payload) == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 3, payload.Record.Total)
	require.EqualValues(t, 2, payload.Record.Success)
	require.EqualValues(t, 1, payload.Record.Fail)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
}

func TestBuildRunsTaskInProcess(t *testing.T) {
	t.Parallel()

	app := buildApp(t, memoryConfig(t))
	rec, snap, err := app.RunTask(context.Background(), taskFor("json", "compact", `{"a": 1}`, `{"b" : 2}`))
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Success)
	require.Equal(t, "finished", snap.Status.String())
	require.NotEmpty(t, rec.TaskID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
}

func TestBuildReadyWithoutExternalStores(t *testing.T) {
	t.Parallel()

	app := buildApp(t, memoryConfig(t))
	require.NoError(t, app.ready(context.Background()))
	require.Nil(t, app.pool)
	require.Nil(t, app.redis)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildRejectsBadRefreshSpec(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Progress.Refresh = "not a schedule"
	_, err := Build(context.Background(), cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(zap.NewNop()),
	)
	require.ErrorContains(t, err, "progress refresh")
}

func TestBuildRejectsUnknownCounter(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Progress.Counter = "abacus"
	_, err := Build(context.Background(), cfg,
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(zap.NewNop()),
	)
	require.ErrorContains(t, err, "service init failed")
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkops/internal/batch"
	internalconfig "github.com/JakeFAU/bulkops/internal/config"
	"github.com/JakeFAU/bulkops/internal/progress"
)

type fakeApp struct {
	ran    bool
	closed int
	task   batch.Task
	runErr error
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) RunTask(_ context.Context, task batch.Task) (batch.Record, progress.Snapshot, error) {
	f.task = task
	rec := batch.Record{TaskID: "task-1", Total: int64(len(task.Items)), Success: int64(len(task.Items))}
	snap := progress.Snapshot{TaskID: "task-1", Status: progress.StatusFinished, Progress: 1}
	return rec, snap, f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed++
	return nil
}

// withFakeApp swaps the factory; tests using it must not run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *internalconfig.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(bytes.NewBufferString(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandReadsFileAndPrintsSummary(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"a":1},{"b":2}]`), 0o600))

	out, err := execute(t, "", "run", "--file", path, "--operation", "compact", "--persist")
	require.NoError(t, err)
	require.Equal(t, 1, app.closed)
	require.Len(t, app.task.Items, 2)
	require.Equal(t, "compact", app.task.Operation)
	require.Equal(t, "json", app.task.DataType)
	require.True(t, app.task.Persist)

	var summary runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, "task-1", summary.TaskID)
	require.Equal(t, "finished", summary.Status)
	require.EqualValues(t, 2, summary.Success)
}

func TestRunCommandReadsStdin(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, `["x","y","z"]`, "run", "--file", "-")
	require.NoError(t, err)
	require.Len(t, app.task.Items, 3)
}

func TestRunCommandRejectsMalformedItems(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, `{"not":"an array"}`, "run", "-f", "-")
	require.ErrorContains(t, err, "decode items")
}

func TestRunCommandRequiresFile(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "", "run")
	require.Error(t, err)
}

func TestRunCommandSurfacesTaskFailure(t *testing.T) {
	app := &fakeApp{runErr: errors.New("boom")}
	withFakeApp(t, app)

	_, err := execute(t, `[1]`, "run", "-f", "-")
	require.ErrorContains(t, err, "boom")
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "", "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)
}

func TestServeIgnoresCanceledContext(t *testing.T) {
	app := &fakeApp{runErr: context.Canceled}
	withFakeApp(t, app)

	_, err := execute(t, "", "serve")
	require.NoError(t, err)
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "serve")
	require.ErrorContains(t, err, "load config")
}

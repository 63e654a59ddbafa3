package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/handlers"
	"github.com/JakeFAU/bulkops/internal/progress"
)

type runOptions struct {
	file      string
	taskID    string
	dataType  string
	operation string
	creator   string
	persist   bool
}

// runOutput is printed once the task has finished.
type runOutput struct {
	TaskID    string  `json:"task_id"`
	Status    string  `json:"status"`
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Fail      int64   `json:"fail"`
	Progress  float64 `json:"progress"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// newRunCmd creates the 'run' subcommand, which runs one task from a file of
// JSON items in this process and prints its summary.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one task from a JSON file",
		Long: `Reads a JSON array of items from --file (or stdin when the file is "-"),
runs them as a single task and prints the finished task summary as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTaskCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSON array of items, or - for stdin")
	cmd.Flags().StringVar(&opts.taskID, "task-id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.dataType, "data-type", handlers.DataTypeJSON, "data type of the items")
	cmd.Flags().StringVar(&opts.operation, "operation", handlers.OperationValidate, "operation to apply")
	cmd.Flags().StringVar(&opts.creator, "creator", "", "creator recorded with the task")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "persist the finished record")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runTaskCommand(cmd *cobra.Command, opts *runOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	items, err := readItems(cmd.InOrStdin(), opts.file)
	if err != nil {
		return err
	}

	rec, snap, err := appInstance.RunTask(cmd.Context(), batch.Task{
		ID:        opts.taskID,
		DataType:  opts.dataType,
		Operation: opts.operation,
		Items:     items,
		Persist:   opts.persist,
		Creator:   opts.creator,
	})
	var storageErr *batch.StorageError
	if err != nil && !errors.As(err, &storageErr) {
		return fmt.Errorf("run task: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summarize(rec, snap)); encErr != nil {
		return fmt.Errorf("write summary: %w", encErr)
	}
	if err != nil {
		return fmt.Errorf("run task: %w", err)
	}
	return nil
}

func summarize(rec batch.Record, snap progress.Snapshot) runOutput {
	return runOutput{
		TaskID:    rec.TaskID,
		Status:    snap.Status.String(),
		Total:     rec.Total,
		Success:   rec.Success,
		Fail:      rec.Fail,
		Progress:  snap.Progress,
		ElapsedMs: snap.ProcessedTime.Milliseconds(),
	}
}

func readItems(stdin io.Reader, path string) ([]json.RawMessage, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // path comes from the operator's own flag
		if err != nil {
			return nil, fmt.Errorf("open items file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var items []json.RawMessage
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode items %s: %w", path, err)
	}
	return items, nil
}

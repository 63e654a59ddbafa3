package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/store"
)

var detailColumns = []string{
	"task_id", "global_index", "slice_index", "status", "reason", "snapshot", "operation",
}

// RecordTables names the tables RecordStore writes to.
type RecordTables struct {
	Records string
	Details string
}

// RecordStore writes finished task records and their details into Postgres.
type RecordStore struct {
	db      DB
	records string
	details string
}

var _ store.RecordRepository = (*RecordStore)(nil)

// NewRecordStore constructs a store over db. Empty table names use the defaults.
func NewRecordStore(db DB, tables RecordTables) (*RecordStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	records, err := checkTable(tables.Records, "task_records")
	if err != nil {
		return nil, err
	}
	details, err := checkTable(tables.Details, "task_record_details")
	if err != nil {
		return nil, err
	}
	return &RecordStore{db: db, records: records, details: details}, nil
}

// Insert writes the summary row.
func (s *RecordStore) Insert(ctx context.Context, rec batch.Record) error {
	if rec.TaskID == "" {
		return errors.New("record task id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, data_type, operation, total, success, fail, creator, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.records)
	_, err := s.db.Exec(ctx, query,
		rec.TaskID,
		rec.DataType,
		rec.Operation,
		rec.Total,
		rec.Success,
		rec.Fail,
		rec.Creator,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// BatchInsert bulk-loads detail rows with COPY.
func (s *RecordStore) BatchInsert(ctx context.Context, details []batch.ResultDetail) error {
	if len(details) == 0 {
		return nil
	}
	src := pgx.CopyFromSlice(len(details), func(i int) ([]any, error) {
		d := details[i]
		var reason *string
		if d.Reason != "" {
			reason = &d.Reason
		}
		var snapshot []byte
		if len(d.Snapshot) > 0 {
			snapshot = []byte(d.Snapshot)
		}
		return []any{d.TaskID, d.GlobalIndex, d.Index, string(d.Status), reason, snapshot, d.Operation}, nil
	})
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{s.details}, detailColumns, src)
	if err != nil {
		return fmt.Errorf("copy details: %w", err)
	}
	if n != int64(len(details)) {
		return fmt.Errorf("copy details: wrote %d of %d rows", n, len(details))
	}
	return nil
}

// GetRecord loads the summary row.
func (s *RecordStore) GetRecord(ctx context.Context, taskID string) (batch.Record, error) {
	query := fmt.Sprintf(`
SELECT task_id, data_type, operation, total, success, fail, creator, created_at
FROM %s WHERE task_id = $1`, s.records)
	var rec batch.Record
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&rec.TaskID,
		&rec.DataType,
		&rec.Operation,
		&rec.Total,
		&rec.Success,
		&rec.Fail,
		&rec.Creator,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return batch.Record{}, store.ErrNotFound
		}
		return batch.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListDetails pages through detail rows ordered by global index.
func (s *RecordStore) ListDetails(ctx context.Context, taskID string, limit, offset int) ([]batch.ResultDetail, error) {
	query := fmt.Sprintf(`
SELECT global_index, slice_index, status, reason, snapshot, operation
FROM %s WHERE task_id = $1
ORDER BY global_index
LIMIT $2 OFFSET $3`, s.details)
	rows, err := s.db.Query(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list details: %w", err)
	}
	defer rows.Close()

	out := []batch.ResultDetail{}
	for rows.Next() {
		var (
			global, index int32
			status        string
			reason        *string
			snapshot      []byte
			operation     string
		)
		if err := rows.Scan(&global, &index, &status, &reason, &snapshot, &operation); err != nil {
			return nil, fmt.Errorf("scan detail row: %w", err)
		}
		d := batch.ResultDetail{
			Index:       int(index),
			GlobalIndex: int(global),
			Status:      batch.Status(status),
			Snapshot:    snapshot,
			Operation:   operation,
			TaskID:      taskID,
		}
		if reason != nil {
			d.Reason = *reason
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detail rows: %w", err)
	}
	return out, nil
}

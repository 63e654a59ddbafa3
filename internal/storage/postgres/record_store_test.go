package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/store"
)

func TestRecordStoreInsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := batch.Record{
		TaskID:    "task-1",
		DataType:  "sku",
		Operation: "update",
		Total:     3,
		Success:   2,
		Fail:      1,
		Creator:   "ops",
		CreatedAt: now,
	}
	mock.ExpectExec("INSERT INTO task_records").
		WithArgs("task-1", "sku", "update", int64(3), int64(2), int64(1), "ops", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Insert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreInsertError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{Records: "records", Details: "details"})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO records").WillReturnError(errors.New("unique violation"))
	err = s.Insert(context.Background(), batch.Record{TaskID: "t"})
	require.ErrorContains(t, err, "unique violation")
	require.Error(t, s.Insert(context.Background(), batch.Record{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreBatchInsertUsesCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{})
	require.NoError(t, err)

	details := []batch.ResultDetail{
		{TaskID: "t", GlobalIndex: 0, Index: 0, Status: batch.StatusSuccess, Operation: "update"},
		{TaskID: "t", GlobalIndex: 1, Index: 1, Status: batch.StatusFailed, Reason: "bad", Operation: "update",
			Snapshot: json.RawMessage(`{"a":1}`)},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"task_record_details"}, detailColumns).WillReturnResult(2)

	require.NoError(t, s.BatchInsert(context.Background(), details))
	require.NoError(t, s.BatchInsert(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreBatchInsertShortCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{})
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"task_record_details"}, detailColumns).WillReturnResult(1)
	err = s.BatchInsert(context.Background(), []batch.ResultDetail{{TaskID: "t"}, {TaskID: "t", GlobalIndex: 1}})
	require.ErrorContains(t, err, "wrote 1 of 2")
}

func TestRecordStoreGetRecord(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{"task_id", "data_type", "operation", "total", "success", "fail", "creator", "created_at"}).
		AddRow("t", "sku", "update", int64(5), int64(4), int64(1), "", now)
	mock.ExpectQuery("SELECT (.+) FROM task_records").WithArgs("t").WillReturnRows(rows)
	mock.ExpectQuery("SELECT (.+) FROM task_records").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetRecord(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, int64(4), rec.Success)
	require.Equal(t, now, rec.CreatedAt)

	_, err = s.GetRecord(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreListDetails(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock, RecordTables{})
	require.NoError(t, err)

	reason := "bad"
	rows := pgxmock.NewRows([]string{"global_index", "slice_index", "status", "reason", "snapshot", "operation"}).
		AddRow(int32(4), int32(0), "success", (*string)(nil), []byte(`{}`), "update").
		AddRow(int32(5), int32(1), "failed", &reason, []byte(nil), "update")
	mock.ExpectQuery("SELECT (.+) FROM task_record_details").WithArgs("t", 2, 4).WillReturnRows(rows)

	details, err := s.ListDetails(context.Background(), "t", 2, 4)
	require.NoError(t, err)
	require.Len(t, details, 2)
	require.Equal(t, 4, details[0].GlobalIndex)
	require.Equal(t, batch.StatusFailed, details[1].Status)
	require.Equal(t, "bad", details[1].Reason)
	require.Equal(t, "t", details[1].TaskID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, RecordTables{Records: "records; DROP TABLE x"})
	require.Error(t, err)
	_, err = NewRecordStore(nil, RecordTables{})
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_records").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

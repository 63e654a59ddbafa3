package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/store"
)

// RecordStore keeps finished task records and their details in memory.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]batch.Record
	details map[string][]batch.ResultDetail
}

var _ store.RecordRepository = (*RecordStore)(nil)

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]batch.Record),
		details: make(map[string][]batch.ResultDetail),
	}
}

// Insert stores the summary row. Details travel separately via BatchInsert.
func (s *RecordStore) Insert(_ context.Context, rec batch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.TaskID]; exists {
		return fmt.Errorf("record %s already exists", rec.TaskID)
	}
	rec.Details = nil
	s.records[rec.TaskID] = rec
	return nil
}

// BatchInsert appends detail rows grouped by task id.
func (s *RecordStore) BatchInsert(_ context.Context, details []batch.ResultDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range details {
		s.details[d.TaskID] = append(s.details[d.TaskID], d)
	}
	return nil
}

// GetRecord returns the summary row or store.ErrNotFound.
func (s *RecordStore) GetRecord(_ context.Context, taskID string) (batch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return batch.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// ListDetails pages through the stored details in insertion order.
func (s *RecordStore) ListDetails(_ context.Context, taskID string, limit, offset int) ([]batch.ResultDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.details[taskID]
	if offset >= len(rows) {
		return []batch.ResultDetail{}, nil
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]batch.ResultDetail, end-offset)
	copy(out, rows[offset:end])
	return out, nil
}

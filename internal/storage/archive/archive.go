// Package archive decorates a record repository so every finished record is
// also written as a JSON document to blob storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/store"
)

const contentType = "application/json"

// Store writes through to the primary repository and archives each inserted
// record afterwards. Archive failures are logged, never returned: the primary
// write is the durable one.
type Store struct {
	store.RecordRepository
	blobs  batch.BlobStore
	prefix string
	logger *zap.Logger
}

// New wraps primary. Objects are written under prefix/<task_id>.json.
func New(primary store.RecordRepository, blobs batch.BlobStore, prefix string, logger *zap.Logger) (*Store, error) {
	if primary == nil {
		return nil, errors.New("primary record repository is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if prefix == "" {
		prefix = "records"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{RecordRepository: primary, blobs: blobs, prefix: prefix, logger: logger}, nil
}

// ObjectPath returns where the record for taskID is archived.
func (s *Store) ObjectPath(taskID string) string {
	return path.Join(s.prefix, taskID+".json")
}

// Insert stores rec in the primary repository, then archives it.
func (s *Store) Insert(ctx context.Context, rec batch.Record) error {
	if err := s.RecordRepository.Insert(ctx, rec); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("encode record for archive", zap.String("task_id", rec.TaskID), zap.Error(err))
		return nil
	}
	uri, err := s.blobs.PutObject(ctx, s.ObjectPath(rec.TaskID), contentType, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive record", zap.String("task_id", rec.TaskID), zap.Error(err))
		return nil
	}
	s.logger.Debug("record archived", zap.String("task_id", rec.TaskID), zap.String("uri", uri))
	return nil
}

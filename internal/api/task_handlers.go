package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/service"
	"github.com/JakeFAU/bulkops/internal/store"
)

const (
	maxSubmitBytes      = 32 << 20
	defaultDetailsLimit = 100
	maxDetailsLimit     = 1000
	storeTimeout        = 3 * time.Second
	readyTimeout        = 2 * time.Second
)

type submitRequest struct {
	TaskID    string            `json:"task_id"`
	DataType  string            `json:"data_type"`
	Operation string            `json:"operation"`
	Items     []json.RawMessage `json:"items"`
	Persist   bool              `json:"persist"`
	Creator   string            `json:"creator"`
}

// submitTask handles POST /v1/tasks. It answers 202 with the task id, 400 for
// malformed tasks, 409 for a duplicate id, 422 when no handler supports the
// data type/operation, and 429 when the pool cannot admit more work.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.tasks.Submit(r.Context(), batch.Task{
		ID:        strings.TrimSpace(req.TaskID),
		DataType:  req.DataType,
		Operation: req.Operation,
		Items:     req.Items,
		Persist:   req.Persist,
		Creator:   req.Creator,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":      task.ID,
		"progress_url": "/v1/tasks/" + task.ID + "/progress",
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, service.ErrDuplicateTask):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrUnsupported):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrInvalidTask), errors.Is(err, batch.ErrEmptyTask):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("submit task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}

// getProgress handles GET /v1/tasks/{task_id}/progress.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	snap, err := s.progress.FindProgress(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("find progress failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(snap))
}

// evictProgress handles DELETE /v1/tasks/{task_id}/progress. Evicting a task
// that is still running stops its refresh; the run itself continues.
func (s *Server) evictProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if err := s.progress.Evict(ctx, taskID); err != nil {
		s.logger.Error("evict progress failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to evict progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listProgress handles GET /v1/progress. Stores that cannot enumerate their
// keys answer 501.
func (s *Server) listProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	snaps, err := s.progress.List(ctx)
	if err != nil {
		if errors.Is(err, store.ErrUnsupported) {
			writeError(w, http.StatusNotImplemented, "progress store cannot list tasks")
			return
		}
		s.logger.Error("list progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list progress")
		return
	}
	out := make([]progressDTO, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toProgressDTO(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// getRecord handles GET /v1/tasks/{task_id}/record?limit=&offset=.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	taskID := chi.URLParam(r, "task_id")
	limit, offset, err := parseLimitOffset(r, defaultDetailsLimit, maxDetailsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	rec, err := s.records.GetRecord(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	details, err := s.records.ListDetails(ctx, taskID, limit, offset)
	if err != nil {
		s.logger.Error("list details failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record details")
		return
	}
	rec.Details = nil
	if details == nil {
		details = []batch.ResultDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":  rec,
		"details": details,
	})
}

type progressDTO struct {
	TaskID          string            `json:"task_id"`
	Status          string            `json:"status"`
	Total           int64             `json:"total"`
	Processed       int64             `json:"processed"`
	Success         int64             `json:"success"`
	Fail            int64             `json:"fail"`
	AlreadyFinished int64             `json:"already_finished,omitempty"`
	Progress        float64           `json:"progress"`
	ProcessedMs     int64             `json:"processed_ms"`
	TimeLeftMs      int64             `json:"time_left_ms"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	StoppedAt       *time.Time        `json:"stopped_at,omitempty"`
	Extensions      map[string]string `json:"extensions,omitempty"`
}

func toProgressDTO(snap progress.Snapshot) progressDTO {
	return progressDTO{
		TaskID:          snap.TaskID,
		Status:          snap.Status.String(),
		Total:           snap.Total,
		Processed:       snap.Processed,
		Success:         snap.Success,
		Fail:            snap.Fail,
		AlreadyFinished: snap.AlreadyFinished,
		Progress:        snap.Progress,
		ProcessedMs:     snap.ProcessedTime.Milliseconds(),
		TimeLeftMs:      snap.TimeLeft.Milliseconds(),
		StartedAt:       snap.StartedAt,
		StoppedAt:       snap.StoppedAt,
		Extensions:      snap.Extensions,
	}
}

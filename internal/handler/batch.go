package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/pipeline"
)

// BatchRunner is the part of the orchestrator the batch endpoints drive.
type BatchRunner interface {
	Start(ctx context.Context, batch pipeline.Batch, mode pipeline.Mode) (<-chan error, error)
	Pause() error
	Resume() error
	Cancel() error
	Progress() pipeline.Progress
	Tasks() []model.ProcessingTask
	Current() (model.ProcessingTask, bool)
}

// AfterBatchFunc runs once a started batch has returned.
type AfterBatchFunc func(ctx context.Context, p pipeline.Progress, tasks []model.ProcessingTask)

type BatchHandler struct {
	runner BatchRunner
	// base outlives requests; batches are bound to it, not to the request.
	base   context.Context
	after  []AfterBatchFunc
	logger *slog.Logger
}

func NewBatchHandler(base context.Context, runner BatchRunner, logger *slog.Logger, after ...AfterBatchFunc) *BatchHandler {
	return &BatchHandler{runner: runner, base: base, after: after, logger: logger}
}

type batchRequest struct {
	Mode       pipeline.Mode        `json:"mode"`
	Selections []pipeline.Selection `json:"selections"`
}

type statusResponse struct {
	Progress pipeline.Progress     `json:"progress"`
	Current  *model.ProcessingTask `json:"current,omitempty"`
}

func (h *BatchHandler) Backup(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, pipeline.DirectionBackup)
}

func (h *BatchHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, pipeline.DirectionRestore)
}

func (h *BatchHandler) start(w http.ResponseWriter, r *http.Request, dir pipeline.Direction) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Mode == "" {
		req.Mode = pipeline.ModeFresh
	}

	switch req.Mode {
	case pipeline.ModeFresh:
		if len(req.Selections) == 0 {
			writeError(w, http.StatusBadRequest, "selections are required")
			return
		}
		for i := range req.Selections {
			req.Selections[i].PackageID = strings.TrimSpace(req.Selections[i].PackageID)
			if req.Selections[i].PackageID == "" {
				writeError(w, http.StatusBadRequest, "package_id is required")
				return
			}
		}
	case pipeline.ModeRetryFailed:
		if last := h.runner.Progress().Direction; last != "" && last != dir {
			writeError(w, http.StatusConflict, "the last batch was a "+string(last))
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "mode must be fresh or retry_failed")
		return
	}

	done, err := h.runner.Start(h.base, pipeline.Batch{Direction: dir, Selections: req.Selections}, req.Mode)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrNothingToRetry):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("batch accepted", "direction", dir, "mode", req.Mode, "selections", len(req.Selections))
	go h.wait(done)

	writeJSON(w, http.StatusAccepted, h.runner.Progress())
}

func (h *BatchHandler) wait(done <-chan error) {
	err := <-done
	p := h.runner.Progress()
	if err != nil {
		h.logger.Error("batch failed", "run_id", p.RunID, "error", err)
	}
	if len(h.after) == 0 {
		return
	}
	tasks := h.runner.Tasks()
	for _, fn := range h.after {
		fn(h.base, p, tasks)
	}
}

func (h *BatchHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, h.runner.Pause)
}

func (h *BatchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, h.runner.Resume)
}

func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, h.runner.Cancel)
}

func (h *BatchHandler) control(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.runner.Progress())
}

func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Progress: h.runner.Progress()}
	if cur, ok := h.runner.Current(); ok {
		resp.Current = &cur
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BatchHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Tasks())
}

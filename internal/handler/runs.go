package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/pkgvault/internal/model"
)

// RunReader reads batch history.
type RunReader interface {
	List(ctx context.Context, limit int) ([]model.Run, error)
	GetByID(ctx context.Context, id string) (*model.Run, error)
	Tasks(ctx context.Context, runID string) ([]model.TaskResult, error)
}

// LineReader reads the persisted action log.
type LineReader interface {
	Lines(ctx context.Context, runID string, limit int) ([]model.ActionLine, error)
}

type RunHandler struct {
	runs   RunReader
	lines  LineReader
	logger *slog.Logger
}

func NewRunHandler(runs RunReader, lines LineReader, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, lines: lines, logger: logger}
}

type runDetail struct {
	model.Run
	Tasks []model.TaskResult `json:"tasks"`
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// found writes 404 or 500 and reports false when the run cannot be served.
func (h *RunHandler) found(w http.ResponseWriter, r *http.Request, id string) (*model.Run, bool) {
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := h.found(w, r, id)
	if !ok {
		return
	}
	tasks, err := h.runs.Tasks(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list run tasks", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list run tasks")
		return
	}
	if tasks == nil {
		tasks = []model.TaskResult{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: *run, Tasks: tasks})
}

func (h *RunHandler) Log(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.found(w, r, id); !ok {
		return
	}
	lines, err := h.lines.Lines(r.Context(), id, queryLimit(r, 1000, 10000))
	if err != nil {
		h.logger.Error("failed to read action log", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read action log")
		return
	}
	if lines == nil {
		lines = []model.ActionLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

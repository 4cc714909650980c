package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/pkgvault/internal/catalog"
)

type CatalogHandler struct {
	catalog *catalog.Store
	logger  *slog.Logger
}

func NewCatalogHandler(c *catalog.Store, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: c, logger: logger}
}

func (h *CatalogHandler) load(w http.ResponseWriter) bool {
	if err := h.catalog.EnsureLoaded(); err != nil {
		h.logger.Error("failed to load catalog", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load catalog")
		return false
	}
	return true
}

func (h *CatalogHandler) Backups(w http.ResponseWriter, r *http.Request) {
	if !h.load(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.catalog.Backups())
}

func (h *CatalogHandler) Restores(w http.ResponseWriter, r *http.Request) {
	if !h.load(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.catalog.Restores())
}

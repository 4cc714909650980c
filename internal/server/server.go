package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/handler"
	"github.com/dukerupert/pkgvault/internal/middleware"
	ws "github.com/dukerupert/pkgvault/internal/websocket"
)

// Config holds the HTTP surface settings.
type Config struct {
	APIToken       string
	AllowedOrigins []string
	// ControlLimit caps batch control requests per client per minute.
	ControlLimit int
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Runner     handler.BatchRunner
	Catalog    *catalog.Store
	Runs       handler.RunReader
	Lines      handler.LineReader
	Hub        *ws.Hub
	AfterBatch []handler.AfterBatchFunc
}

type Server struct {
	cfg         Config
	hub         *ws.Hub
	batchH      *handler.BatchHandler
	catalogH    *handler.CatalogHandler
	runH        *handler.RunHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// New builds the server. Batches started through it are bound to base.
func New(base context.Context, cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.ControlLimit <= 0 {
		cfg.ControlLimit = 30
	}
	return &Server{
		cfg:         cfg,
		hub:         deps.Hub,
		batchH:      handler.NewBatchHandler(base, deps.Runner, logger.With("component", "batch"), deps.AfterBatch...),
		catalogH:    handler.NewCatalogHandler(deps.Catalog, logger.With("component", "catalog")),
		runH:        handler.NewRunHandler(deps.Runs, deps.Lines, logger.With("component", "runs")),
		rateLimiter: middleware.NewRateLimiter(cfg.ControlLimit, time.Minute),
		logger:      logger,
	}
}

// RateLimiter returns the limiter for its cleanup loop.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())
	// Browsers cannot set headers on websocket upgrades; the feed is read-only.
	outerMux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.AllowedOrigins, s.logger.With("component", "websocket")))

	// Protected routes, wrapped with the bearer token check
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireToken(s.cfg.APIToken)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Batch control
	mux.Handle("POST /api/backup", s.rateLimitedHandler(s.batchH.Backup))
	mux.Handle("POST /api/restore", s.rateLimitedHandler(s.batchH.Restore))
	mux.Handle("POST /api/pause", s.rateLimitedHandler(s.batchH.Pause))
	mux.Handle("POST /api/resume", s.rateLimitedHandler(s.batchH.Resume))
	mux.Handle("POST /api/cancel", s.rateLimitedHandler(s.batchH.Cancel))
	mux.HandleFunc("GET /api/status", s.batchH.Status)
	mux.HandleFunc("GET /api/tasks", s.batchH.Tasks)

	// Catalog
	mux.HandleFunc("GET /api/catalog/backup", s.catalogH.Backups)
	mux.HandleFunc("GET /api/catalog/restore", s.catalogH.Restores)

	// History
	mux.HandleFunc("GET /api/runs", s.runH.List)
	mux.HandleFunc("GET /api/runs/{id}", s.runH.Get)
	mux.HandleFunc("GET /api/runs/{id}/log", s.runH.Log)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/config"
	"github.com/dukerupert/pkgvault/internal/database"
	"github.com/dukerupert/pkgvault/internal/environment"
	"github.com/dukerupert/pkgvault/internal/handler"
	"github.com/dukerupert/pkgvault/internal/logging"
	"github.com/dukerupert/pkgvault/internal/mirror"
	"github.com/dukerupert/pkgvault/internal/pipeline"
	"github.com/dukerupert/pkgvault/internal/privileged"
	"github.com/dukerupert/pkgvault/internal/server"
	"github.com/dukerupert/pkgvault/internal/store"
	ws "github.com/dukerupert/pkgvault/internal/websocket"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("pkgvault stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	runStore := store.NewRunStore(db)
	actionStore := store.NewActionLogStore(db, logger.With("component", "action_log"))

	runner := &privileged.ExecRunner{Shell: cfg.Shell}
	shell := privileged.NewShell(runner, cfg.RequireRoot)
	cat := catalog.New(cfg.CatalogDir)
	hub := ws.NewHub(logger.With("component", "websocket"))

	var icons pipeline.IconSource
	if cfg.IconDir != "" {
		icons = pipeline.DirIcons{Dir: cfg.IconDir}
	}

	orch := pipeline.New(cfg.Pipeline(), pipeline.Deps{
		Gateway:    shell,
		Compressor: compress.NewTar(runner, cfg.Compression, logger.With("component", "compress")),
		Catalog:    cat,
		Adjuster:   environment.NewSettings(runner, logger.With("component", "environment")),
		Icons:      icons,
		History:    runStore,
		Actions:    logging.Tee(logging.NewSlogActionLog(logger.With("component", "action")), actionStore),
		Observer:   hub,
		Logger:     logger,
	})

	var after []handler.AfterBatchFunc
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	if backend != nil {
		if c, ok := backend.(interface{ Close() error }); ok {
			defer c.Close()
		}
		m := mirror.New(backend, shell, mirror.Config{
			BackupRoot: cfg.BackupRoot,
			CatalogDir: cfg.CatalogDir,
			Passphrase: cfg.MirrorPassphrase,
		}, logger)
		after = append(after, m.AfterBatch)
		logger.Info("mirror enabled", "backend", backend.Name(), "encrypted_catalog", cfg.MirrorPassphrase != "")
	}

	srv := server.New(ctx, server.Config{
		APIToken:       cfg.APIToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}, server.Deps{
		Runner:     orch,
		Catalog:    cat,
		Runs:       runStore,
		Lines:      actionStore,
		Hub:        hub,
		AfterBatch: after,
	}, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("pkgvault listening", "addr", httpServer.Addr, "backup_root", cfg.BackupRoot, "user", cfg.UserID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		waitForBatch(shutdownCtx, orch, logger)
		return nil
	})
	g.Go(func() error {
		srv.RateLimiter().Run(gctx)
		return nil
	})
	if cfg.HistoryRetention > 0 {
		g.Go(func() error {
			pruneHistory(gctx, runStore, cfg.HistoryRetention, logger.With("component", "history"))
			return nil
		})
	}
	return g.Wait()
}

func newBackend(ctx context.Context, cfg config.Config) (mirror.Backend, error) {
	switch cfg.Mirror {
	case config.MirrorS3:
		b, err := mirror.NewS3(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 mirror: %w", err)
		}
		return b, nil
	case config.MirrorGCS:
		b, err := mirror.NewGCS(ctx, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs mirror: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

// waitForBatch lets a batch cancelled by shutdown reach its terminal state,
// so the catalog and history are written.
func waitForBatch(ctx context.Context, orch *pipeline.Orchestrator, logger *slog.Logger) {
	if !orch.Running() {
		return
	}
	logger.Info("waiting for running batch to stop")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for orch.Running() {
		select {
		case <-ctx.Done():
			logger.Warn("batch still running at shutdown")
			return
		case <-ticker.C:
		}
	}
}

func pruneHistory(ctx context.Context, runs *store.RunStore, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := runs.DeleteOlderThan(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			logger.Warn("failed to prune run history", "error", err)
		case n > 0:
			logger.Info("pruned run history", "runs", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

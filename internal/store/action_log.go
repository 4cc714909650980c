package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/pkgvault/internal/logging"
	"github.com/dukerupert/pkgvault/internal/model"
)

// ActionLogStore persists action log lines under the run id carried by ctx.
type ActionLogStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewActionLogStore(db *sql.DB, logger *slog.Logger) *ActionLogStore {
	return &ActionLogStore{db: db, logger: logger}
}

// AddLine never fails the caller; write errors are logged.
func (s *ActionLogStore) AddLine(ctx context.Context, tag, line string) {
	_, err := s.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO action_log (run_id, tag, line, created_at) VALUES (?, ?, ?, ?)`,
		logging.RunID(ctx), tag, line, time.Now().UTC(),
	)
	if err != nil {
		s.logger.Warn("failed to persist action line", "tag", tag, "error", err)
	}
}

// Lines returns up to limit lines of a run, oldest first.
func (s *ActionLogStore) Lines(ctx context.Context, runID string, limit int) ([]model.ActionLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tag, line, created_at FROM action_log
		 WHERE run_id = ? ORDER BY id LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var lines []model.ActionLine
	for rows.Next() {
		var l model.ActionLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Tag, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

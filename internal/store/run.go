package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/pkgvault/internal/model"
)

// RunStore persists batch runs and the outcome of each of their tasks.
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

func (s *RunStore) StartRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, direction, mode, date_label, status, total, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Direction, run.Mode, run.Date, run.Status, run.Total, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return nil
}

func (s *RunStore) RecordTask(ctx context.Context, runID string, task model.ProcessingTask) error {
	objects, err := json.Marshal(task.Objects)
	if err != nil {
		return fmt.Errorf("encode objects: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_results (run_id, package_id, label, state, objects, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, task.PackageID, task.Label, task.State, string(objects), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", task.PackageID, err)
	}
	return nil
}

func (s *RunStore) FinishRun(ctx context.Context, run model.Run) error {
	var errPtr *string
	if run.Error != "" {
		errPtr = &run.Error
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET date_label = ?, status = ?, total = ?, completed = ?, failed = ?, error_message = ?, finished_at = ?
		 WHERE id = ?`,
		run.Date, run.Status, run.Total, run.Completed, run.Failed, errPtr, finished, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, direction, mode, date_label, status, total, completed, failed, error_message, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var r model.Run
	var errMsg sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.Direction, &r.Mode, &r.Date, &r.Status, &r.Total, &r.Completed, &r.Failed, &errMsg, &r.StartedAt, &finishedAt); err != nil {
		return r, err
	}
	r.Error = errMsg.String
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

// GetByID returns nil when the run does not exist.
func (s *RunStore) GetByID(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

// List returns the most recent runs first.
func (s *RunStore) List(ctx context.Context, limit int) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Tasks returns the task outcomes of a run in the order they were recorded.
func (s *RunStore) Tasks(ctx context.Context, runID string) ([]model.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, package_id, label, state, objects, created_at
		 FROM task_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task results: %w", err)
	}
	defer rows.Close()

	var results []model.TaskResult
	for rows.Next() {
		var tr model.TaskResult
		var objects string
		if err := rows.Scan(&tr.RunID, &tr.PackageID, &tr.Label, &tr.State, &objects, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		if err := json.Unmarshal([]byte(objects), &tr.Objects); err != nil {
			return nil, fmt.Errorf("decode objects of %s: %w", tr.PackageID, err)
		}
		results = append(results, tr)
	}
	return results, rows.Err()
}

// DeleteOlderThan removes runs started before the given time, with their
// task results and action log lines. It returns the number of runs removed.
func (s *RunStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_log WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before.UTC(),
	); err != nil {
		return 0, fmt.Errorf("prune action log: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_results WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before.UTC(),
	); err != nil {
		return 0, fmt.Errorf("prune task results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

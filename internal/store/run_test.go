package store

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukerupert/pkgvault/internal/database"
	"github.com/dukerupert/pkgvault/internal/logging"
	"github.com/dukerupert/pkgvault/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := rs.StartRun(ctx, model.Run{ID: "run-1", Direction: "backup", Mode: "fresh", Status: "Preparing", StartedAt: started})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	task := model.ProcessingTask{
		PackageID: "com.a",
		Label:     "App A",
		State:     model.TaskFailed,
		Objects: []model.ProcessingObject{
			{Category: model.CategoryPackage, Visible: true, State: model.ObjectSuccess, Title: "Success"},
			{Category: model.CategoryUserData, Visible: true, State: model.ObjectFailed, Title: "Failed", Subtitle: "tar: write error"},
		},
	}
	if err := rs.RecordTask(ctx, "run-1", task); err != nil {
		t.Fatalf("record task: %v", err)
	}

	finished := started.Add(time.Minute)
	err = rs.FinishRun(ctx, model.Run{
		ID: "run-1", Date: "1700000000000", Status: "Finished",
		Total: 1, Completed: 1, Failed: 1, FinishedAt: &finished,
	})
	if err != nil {
		t.Fatalf("finish run: %v", err)
	}

	got, err := rs.GetByID(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Status != "Finished" || got.Date != "1700000000000" || got.Completed != 1 || got.Failed != 1 {
		t.Errorf("run = %+v", got)
	}
	if got.Direction != "backup" || got.Mode != "fresh" {
		t.Errorf("direction/mode = %q/%q", got.Direction, got.Mode)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, finished)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty", got.Error)
	}

	results, err := rs.Tasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d task results, want 1", len(results))
	}
	if results[0].State != model.TaskFailed || len(results[0].Objects) != 2 {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Objects[1].Subtitle != "tar: write error" {
		t.Errorf("objects not preserved: %+v", results[0].Objects)
	}
}

func TestRunGetMissing(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	got, err := rs.GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestRunListNewestFirst(t *testing.T) {
	rs := NewRunStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		run := model.Run{ID: id, Direction: "backup", Mode: "fresh", Status: "Finished", StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := rs.StartRun(ctx, run); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	runs, err := rs.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunDeleteOlderThan(t *testing.T) {
	db := setupTestDB(t)
	rs := NewRunStore(db)
	al := NewActionLogStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for id, at := range map[string]time.Time{"old": old, "recent": recent} {
		if err := rs.StartRun(ctx, model.Run{ID: id, Direction: "backup", Mode: "fresh", Status: "Finished", StartedAt: at}); err != nil {
			t.Fatal(err)
		}
		if err := rs.RecordTask(ctx, id, model.ProcessingTask{PackageID: "com.a", State: model.TaskSuccess}); err != nil {
			t.Fatal(err)
		}
		al.AddLine(logging.WithRunID(ctx, id), "com.a", "backup com.a")
	}

	n, err := rs.DeleteOlderThan(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d runs, want 1", n)
	}
	if got, _ := rs.GetByID(ctx, "old"); got != nil {
		t.Error("old run still present")
	}
	if got, _ := rs.GetByID(ctx, "recent"); got == nil {
		t.Error("recent run deleted")
	}
	if lines, _ := al.Lines(ctx, "old", 10); len(lines) != 0 {
		t.Errorf("old action lines survived: %+v", lines)
	}
	if results, _ := rs.Tasks(ctx, "old"); len(results) != 0 {
		t.Errorf("old task results survived: %+v", results)
	}
}

package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/model"
)

func TestCatalogBackupsAndRestores(t *testing.T) {
	dir := t.TempDir()
	c := catalog.New(dir)
	if err := c.EnsureLoaded(); err != nil {
		t.Fatal(err)
	}
	c.PutBackup(&model.BackupRecord{
		Base:   model.PackageBase{PackageID: "com.b", Label: "B"},
		Detail: model.BackupDetail{VersionName: "2.0", Date: "1700000000000"},
	})
	c.PutBackup(&model.BackupRecord{Base: model.PackageBase{PackageID: "com.a", Label: "A"}})
	c.MergeSnapshot(model.PackageBase{PackageID: "com.a", Label: "A"}, 1600000000000, model.RestoreDetail{HasPackage: true, Date: "1700000000000"})
	if err := c.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := NewCatalogHandler(catalog.New(dir), discardLogger())

	rec := httptest.NewRecorder()
	h.Backups(rec, httptest.NewRequest("GET", "/api/catalog/backup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var backups []model.BackupRecord
	if err := json.NewDecoder(rec.Body).Decode(&backups); err != nil {
		t.Fatal(err)
	}
	if len(backups) != 2 || backups[0].Base.PackageID != "com.a" || backups[1].Detail.VersionName != "2.0" {
		t.Errorf("backups = %+v", backups)
	}

	rec = httptest.NewRecorder()
	h.Restores(rec, httptest.NewRequest("GET", "/api/catalog/restore", nil))
	var restores []model.RestoreRecord
	if err := json.NewDecoder(rec.Body).Decode(&restores); err != nil {
		t.Fatal(err)
	}
	if len(restores) != 1 || len(restores[0].Snapshots) != 1 || !restores[0].Snapshots[0].HasPackage {
		t.Errorf("restores = %+v", restores)
	}
}

func TestCatalogLoadError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, catalog.BackupFile), []byte("{not: [yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewCatalogHandler(catalog.New(dir), discardLogger())

	rec := httptest.NewRecorder()
	h.Backups(rec, httptest.NewRequest("GET", "/api/catalog/backup", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

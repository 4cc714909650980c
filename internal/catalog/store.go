package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dukerupert/pkgvault/internal/model"
)

const (
	BackupFile  = "backup.yaml"
	RestoreFile = "restore.yaml"
)

// CatalogError reports a failure reading or writing a catalog file.
type CatalogError struct {
	Op   string
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Store owns the backup and restore maps keyed by package id. A batch run is
// the only writer; readers get copies.
type Store struct {
	mu  sync.RWMutex
	dir string

	backups  map[string]*model.BackupRecord
	restores map[string]*model.RestoreRecord

	backupLoaded  bool
	restoreLoaded bool
}

// New creates a Store persisting into dir. Nothing is read until Load or EnsureLoaded.
func New(dir string) *Store {
	return &Store{
		dir:      dir,
		backups:  make(map[string]*model.BackupRecord),
		restores: make(map[string]*model.RestoreRecord),
	}
}

// Dir returns the directory holding the catalog files.
func (s *Store) Dir() string { return s.dir }

// Paths returns the backup and restore file paths.
func (s *Store) Paths() (backup, restore string) {
	return filepath.Join(s.dir, BackupFile), filepath.Join(s.dir, RestoreFile)
}

// Load reads both maps from disk, replacing anything in memory.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupLoaded = false
	s.restoreLoaded = false
	return s.ensureLoaded()
}

// EnsureLoaded reads whichever map has not been loaded yet. The restore map
// is read again after ClearRestore.
func (s *Store) EnsureLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLoaded()
}

func (s *Store) ensureLoaded() error {
	bp, rp := filepath.Join(s.dir, BackupFile), filepath.Join(s.dir, RestoreFile)
	if !s.backupLoaded {
		m := make(map[string]*model.BackupRecord)
		if err := readYAML(bp, &m); err != nil {
			return err
		}
		s.backups = m
		s.backupLoaded = true
	}
	if !s.restoreLoaded {
		m := make(map[string]*model.RestoreRecord)
		if err := readYAML(rp, &m); err != nil {
			return err
		}
		s.restores = m
		s.restoreLoaded = true
	}
	return nil
}

// Backup returns a copy of the backup record for packageID.
func (s *Store) Backup(packageID string) (*model.BackupRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.backups[packageID]
	return r.Clone(), ok
}

// Backups returns copies of every backup record ordered by package id.
func (s *Store) Backups() []*model.BackupRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.BackupRecord, 0, len(s.backups))
	for _, r := range s.backups {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base.PackageID < out[j].Base.PackageID })
	return out
}

// PutBackup stores a copy of rec, replacing any record for the same package.
func (s *Store) PutBackup(rec *model.BackupRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[rec.Base.PackageID] = rec.Clone()
}

// Restore returns a copy of the restore record for packageID.
func (s *Store) Restore(packageID string) (*model.RestoreRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.restores[packageID]
	return r.Clone(), ok
}

// Restores returns copies of every restore record ordered by package id.
func (s *Store) Restores() []*model.RestoreRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.RestoreRecord, 0, len(s.restores))
	for _, r := range s.restores {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base.PackageID < out[j].Base.PackageID })
	return out
}

// MergeSnapshot mirrors a finished backup into the restore map. The package
// entry is created when absent; a snapshot with the same date is overwritten,
// otherwise detail is appended and RestoreIndex advanced.
func (s *Store) MergeSnapshot(base model.PackageBase, firstInstallTime int64, detail model.RestoreDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.restores[base.PackageID]
	if !ok {
		rec = &model.RestoreRecord{}
		s.restores[base.PackageID] = rec
	}
	rec.Base = base
	rec.FirstInstallTime = firstInstallTime

	detail.Sizes = detail.Sizes.Clone()
	for i := range rec.Snapshots {
		if rec.Snapshots[i].Date == detail.Date {
			rec.Snapshots[i] = detail
			return
		}
	}
	rec.Snapshots = append(rec.Snapshots, detail)
	rec.RestoreIndex++
}

// ClearRestore drops the in-memory restore map. The next EnsureLoaded reads it again.
func (s *Store) ClearRestore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores = make(map[string]*model.RestoreRecord)
	s.restoreLoaded = false
}

// Save writes every loaded map to disk, each through a temp file and rename.
// Both files are attempted; their errors are joined.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &CatalogError{Op: "save", Path: s.dir, Err: err}
	}
	var errs []error
	if s.backupLoaded {
		errs = append(errs, writeYAML(filepath.Join(s.dir, BackupFile), s.backups))
	}
	if s.restoreLoaded {
		errs = append(errs, writeYAML(filepath.Join(s.dir, RestoreFile), s.restores))
	}
	return errors.Join(errs...)
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &CatalogError{Op: "load", Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return &CatalogError{Op: "decode", Path: path, Err: err}
	}
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return &CatalogError{Op: "encode", Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &CatalogError{Op: "save", Path: path, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			_ = os.Remove(tmpName)
			return err
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename tmp->final: %w", err)
	}
	return nil
}

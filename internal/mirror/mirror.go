package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/metrics"
	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/pipeline"
)

const defaultWorkers = 4

// Config holds mirror settings.
type Config struct {
	BackupRoot string
	CatalogDir string
	// Passphrase seals catalog files before upload. Empty uploads them as is.
	Passphrase string
	Workers    int
}

// Files reads what a batch wrote. Archives are owned by the privileged
// channel, so reads go through it rather than the daemon's own file access.
type Files interface {
	Exists(ctx context.Context, path string) (bool, error)
	ListFiles(ctx context.Context, dir, pattern string) ([]string, error)
	ReadFile(ctx context.Context, path string, w io.Writer) error
}

// File is one backup file to mirror.
type File struct {
	Path string
	Key  string
	// Seal marks files encrypted with the passphrase before upload.
	Seal bool
}

// Result summarizes one Sync.
type Result struct {
	Uploaded int
	Failed   int
	Bytes    int64
}

// Mirror copies finished backups to a remote backend.
type Mirror struct {
	backend Backend
	files   Files
	cfg     Config
	logger  *slog.Logger
}

// New creates a Mirror that reads backup files through files.
func New(backend Backend, files Files, cfg Config, logger *slog.Logger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Mirror{
		backend: backend,
		files:   files,
		cfg:     cfg,
		logger:  logger.With("component", "mirror", "backend", backend.Name()),
	}
}

// BackupFiles lists the archives written for each successful task under
// date, each package's icon, and the backup catalog.
func (m *Mirror) BackupFiles(ctx context.Context, date string, tasks []model.ProcessingTask) ([]File, error) {
	var files []File
	for _, t := range tasks {
		if t.State != model.TaskSuccess {
			continue
		}
		dir := filepath.Join(m.cfg.BackupRoot, t.PackageID, date)
		names, err := m.files.ListFiles(ctx, dir, "")
		if err != nil {
			return nil, fmt.Errorf("list archives of %s: %w", t.PackageID, err)
		}
		for _, name := range names {
			files = append(files, File{
				Path: filepath.Join(dir, name),
				Key:  path.Join(t.PackageID, date, name),
			})
		}
		icon := filepath.Join(m.cfg.BackupRoot, t.PackageID, pipeline.IconFile)
		ok, err := m.files.Exists(ctx, icon)
		if err != nil {
			return nil, fmt.Errorf("check icon of %s: %w", t.PackageID, err)
		}
		if ok {
			files = append(files, File{Path: icon, Key: path.Join(t.PackageID, pipeline.IconFile)})
		}
	}
	files = append(files, File{
		Path: filepath.Join(m.cfg.CatalogDir, catalog.BackupFile),
		Key:  path.Join("catalog", catalog.BackupFile),
		Seal: true,
	})
	return files, nil
}

// Sync uploads files with bounded concurrency. A failed file does not stop
// the others; all failures are joined into the returned error.
func (m *Mirror) Sync(ctx context.Context, files []File) (Result, error) {
	var (
		mu   sync.Mutex
		res  Result
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, f := range files {
		g.Go(func() error {
			n, err := m.upload(ctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				errs = append(errs, err)
				metrics.MirrorUploadsTotal.WithLabelValues(m.backend.Name(), "error").Inc()
				m.logger.Warn("mirror upload failed", "key", f.Key, "error", err)
				return nil
			}
			res.Uploaded++
			res.Bytes += n
			metrics.MirrorUploadsTotal.WithLabelValues(m.backend.Name(), "success").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return res, errors.Join(errs...)
}

// upload stages f in a temp file so backends get a sized, seekable body.
func (m *Mirror) upload(ctx context.Context, f File) (int64, error) {
	tmp, err := os.CreateTemp("", "pkgvault-mirror-*")
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", f.Path, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := m.files.ReadFile(ctx, f.Path, tmp); err != nil {
		return 0, fmt.Errorf("read %s: %w", f.Path, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", f.Path, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("stage %s: %w", f.Path, err)
	}

	if f.Seal && m.cfg.Passphrase != "" {
		plain, err := io.ReadAll(tmp)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", f.Path, err)
		}
		sealed, err := Seal(plain, m.cfg.Passphrase)
		if err != nil {
			return 0, fmt.Errorf("seal %s: %w", f.Path, err)
		}
		size := int64(len(sealed))
		return size, m.backend.Put(ctx, f.Key+EncryptedSuffix, bytes.NewReader(sealed), size)
	}
	return size, m.backend.Put(ctx, f.Key, tmp, size)
}

// AfterBatch mirrors a finished backup batch. Other batches are ignored.
func (m *Mirror) AfterBatch(ctx context.Context, p pipeline.Progress, tasks []model.ProcessingTask) {
	if p.Direction != pipeline.DirectionBackup || p.Status != pipeline.StatusFinished {
		return
	}
	logger := m.logger.With("run_id", p.RunID, "date", p.Date)
	files, err := m.BackupFiles(ctx, p.Date, tasks)
	if err != nil {
		logger.Error("failed to collect files to mirror", "error", err)
		return
	}
	res, err := m.Sync(ctx, files)
	if err != nil {
		logger.Error("mirror finished with errors", "uploaded", res.Uploaded, "failed", res.Failed, "error", err)
		return
	}
	logger.Info("mirror finished", "uploaded", res.Uploaded, "bytes", res.Bytes)
}

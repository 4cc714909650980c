package compress

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/dukerupert/pkgvault/internal/privileged"
)

// excludedDirs are skipped under a package's data directory.
var excludedDirs = []string{"cache", "code_cache", ".ota"}

// Tar runs the tar utility through the privileged channel.
type Tar struct {
	runner    privileged.Runner
	algorithm Algorithm
	tarPath   string
	logger    *slog.Logger

	mu       sync.Mutex
	lastLine string
}

// NewTar creates a Compressor that shells out to tar.
func NewTar(r privileged.Runner, a Algorithm, logger *slog.Logger) *Tar {
	return &Tar{runner: r, algorithm: a, tarPath: "tar", logger: logger}
}

// LastLine returns the last line emitted by the most recent operation.
func (t *Tar) LastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLine
}

func (t *Tar) Compress(ctx context.Context, req Request, onLine LineFunc) bool {
	archive := filepath.Join(req.OutputDir, ArchiveName(req.Category, t.algorithm))
	start := "Compressing " + string(req.Category)
	if n, err := humanize.ParseBytes(req.PreviousSize); err == nil && n > 0 {
		start += ", previous size " + humanize.Bytes(n)
	}
	return t.run(ctx, req, start, compressArgs(req, archive, t.algorithm), onLine)
}

func (t *Tar) Decompress(ctx context.Context, req Request, onLine LineFunc) bool {
	archive := filepath.Join(req.OutputDir, ArchiveName(req.Category, t.algorithm))
	return t.run(ctx, req, "Decompressing "+string(req.Category), decompressArgs(req, archive, t.algorithm), onLine)
}

func (t *Tar) run(ctx context.Context, req Request, start string, args []string, onLine LineFunc) bool {
	emit := func(kind LineKind, text string) {
		t.mu.Lock()
		t.lastLine = text
		t.mu.Unlock()
		if onLine != nil {
			onLine(kind, text)
		}
	}

	emit(KindStart, start)
	err := t.runner.Stream(ctx, func(s privileged.Stream, line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		switch {
		case strings.HasPrefix(line, "Total bytes"):
			emit(KindTotal, line)
		case s == privileged.Stderr:
			emit(KindError, line)
		default:
			emit(KindEntry, line)
		}
	}, t.tarPath, args...)
	if err != nil {
		emit(KindError, err.Error())
		t.logger.Warn("archiver failed",
			"package", req.PackageID,
			"category", req.Category,
			"error", err,
		)
		return false
	}

	emit(KindFinish, string(req.Category))
	return true
}

func modeArgs(compatible bool) []string {
	if compatible {
		return nil
	}
	return []string{"--sparse", "--acls", "--xattrs"}
}

func programArgs(a Algorithm) []string {
	if p := algorithms[a].program; p != "" {
		return []string{"--use-compress-program=" + p}
	}
	return nil
}

func compressArgs(req Request, archive string, a Algorithm) []string {
	args := []string{"--totals"}
	args = append(args, modeArgs(req.Compatible)...)
	args = append(args, programArgs(a)...)
	args = append(args, "-cpvf", archive)
	if req.Category.IsData() {
		for _, d := range excludedDirs {
			args = append(args, "--exclude="+req.PackageID+"/"+d)
		}
	}
	args = append(args, "-C", req.SourceDir)
	args = append(args, req.Members...)
	return args
}

func decompressArgs(req Request, archive string, a Algorithm) []string {
	args := []string{"--totals"}
	args = append(args, modeArgs(req.Compatible)...)
	args = append(args, programArgs(a)...)
	args = append(args, "-xpvf", archive, "-C", req.SourceDir)
	return args
}

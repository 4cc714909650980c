package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/metrics"
	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/privileged"
)

// Direction is whether a batch writes archives or reads them back.
type Direction string

const (
	DirectionBackup  Direction = "backup"
	DirectionRestore Direction = "restore"
)

// Mode selects how the task list of a batch is built.
type Mode string

const (
	ModeFresh       Mode = "fresh"
	ModeRetryFailed Mode = "retry_failed"
)

const apkPattern = `.*\.apk$`

var apkRegexp = regexp.MustCompile(apkPattern)

// Paths holds the per-user roots of the data categories.
type Paths struct {
	User   string
	UserDe string
	Data   string
	Obb    string
}

// Root returns the directory that holds c's per-package directories.
func (p Paths) Root(c model.Category) string {
	switch c {
	case model.CategoryUserData:
		return p.User
	case model.CategoryDeviceUserData:
		return p.UserDe
	case model.CategorySharedData:
		return p.Data
	case model.CategoryAuxiliaryStorage:
		return p.Obb
	}
	return ""
}

// taskEnv is what a step needs to know about the task being processed.
type taskEnv struct {
	task       *model.ProcessingTask
	gateway    privileged.Gateway
	opts       Options
	archiveDir string

	// backup
	working *model.BackupRecord
	apkDir  string

	// restore
	snapshot model.RestoreDetail
	stageDir string
	uid      int
}

func (e *taskEnv) packageID() string { return e.task.PackageID }

func (e *taskEnv) dataDir(c model.Category) string {
	return filepath.Join(e.opts.Paths.Root(c), e.packageID())
}

func (e *taskEnv) archivePath(c model.Category) string {
	return filepath.Join(e.archiveDir, compress.ArchiveName(c, e.opts.Algorithm))
}

// appUID resolves the installed package's uid once per task.
func (e *taskEnv) appUID(ctx context.Context) (int, error) {
	if e.uid > 0 {
		return e.uid, nil
	}
	info, err := e.gateway.PackageInfo(ctx, e.packageID(), e.opts.UserID)
	if err != nil {
		return 0, err
	}
	e.uid = info.UID
	return e.uid, nil
}

// step is one category's behavior within a direction.
type step struct {
	// suspend marks categories that must run inside the suspend bracket.
	suspend bool
	// selected applies the task's selection flags.
	selected func(env *taskEnv) bool
	// probe confirms the category applies to this package. Nil means always.
	probe func(ctx context.Context, env *taskEnv) (bool, error)
	// source builds the archiver request.
	source func(ctx context.Context, env *taskEnv) (compress.Request, error)
	// after runs once the archiver succeeded: size recording for backup,
	// install or ownership fix-up for restore.
	after func(ctx context.Context, env *taskEnv) error
}

// plan is the category lookup table for one direction.
type plan struct {
	direction Direction
	steps     map[model.Category]step
}

func (p plan) archive(ctx context.Context, c compress.Compressor, req compress.Request, onLine compress.LineFunc) bool {
	if p.direction == DirectionRestore {
		return c.Decompress(ctx, req, onLine)
	}
	return c.Compress(ctx, req, onLine)
}

func selectPackage(env *taskEnv) bool { return env.task.SelectPackage }
func selectData(env *taskEnv) bool    { return env.task.SelectData }

func dirExists(c model.Category) func(context.Context, *taskEnv) (bool, error) {
	return func(ctx context.Context, env *taskEnv) (bool, error) {
		return env.gateway.Exists(ctx, env.dataDir(c))
	}
}

func recordSize(c model.Category) func(context.Context, *taskEnv) error {
	return func(ctx context.Context, env *taskEnv) error {
		n, err := env.gateway.CountSize(ctx, env.dataDir(c), "")
		if err != nil {
			return err
		}
		env.working.Detail.Sizes[c] = strconv.FormatInt(n, 10)
		metrics.RecordedBytes.WithLabelValues(string(c)).Add(float64(n))
		return nil
	}
}

func dataSource(c model.Category) func(context.Context, *taskEnv) (compress.Request, error) {
	return func(_ context.Context, env *taskEnv) (compress.Request, error) {
		return compress.Request{
			Category:     c,
			PackageID:    env.packageID(),
			OutputDir:    env.archiveDir,
			SourceDir:    env.opts.Paths.Root(c),
			Members:      []string{env.packageID()},
			PreviousSize: env.working.Detail.Sizes[c],
			Compatible:   env.opts.Compatible,
		}, nil
	}
}

func packageSource(ctx context.Context, env *taskEnv) (compress.Request, error) {
	paths, err := env.gateway.ListPackageFilePaths(ctx, env.packageID(), env.opts.UserID)
	if err != nil {
		return compress.Request{}, err
	}
	if len(paths) == 0 {
		return compress.Request{}, fmt.Errorf("no package files for %s", env.packageID())
	}
	env.apkDir = filepath.Dir(paths[0])
	var members []string
	for _, p := range paths {
		if filepath.Dir(p) == env.apkDir {
			members = append(members, filepath.Base(p))
		}
	}
	return compress.Request{
		Category:     model.CategoryPackage,
		PackageID:    env.packageID(),
		OutputDir:    env.archiveDir,
		SourceDir:    env.apkDir,
		Members:      members,
		PreviousSize: env.working.Detail.Sizes[model.CategoryPackage],
		Compatible:   env.opts.Compatible,
	}, nil
}

func recordPackageSize(ctx context.Context, env *taskEnv) error {
	n, err := env.gateway.CountSize(ctx, env.apkDir, apkPattern)
	if err != nil {
		return err
	}
	env.working.Detail.Sizes[model.CategoryPackage] = strconv.FormatInt(n, 10)
	metrics.RecordedBytes.WithLabelValues(string(model.CategoryPackage)).Add(float64(n))
	return nil
}

var backupPlan = plan{
	direction: DirectionBackup,
	steps: map[model.Category]step{
		model.CategoryPackage: {
			suspend:  true,
			selected: selectPackage,
			source:   packageSource,
			after:    recordPackageSize,
		},
		model.CategoryUserData: {
			suspend:  true,
			selected: selectData,
			source:   dataSource(model.CategoryUserData),
			after:    recordSize(model.CategoryUserData),
		},
		model.CategoryDeviceUserData: {
			suspend:  true,
			selected: selectData,
			probe:    dirExists(model.CategoryDeviceUserData),
			source:   dataSource(model.CategoryDeviceUserData),
			after:    recordSize(model.CategoryDeviceUserData),
		},
		model.CategorySharedData: {
			suspend:  true,
			selected: selectData,
			probe:    dirExists(model.CategorySharedData),
			source:   dataSource(model.CategorySharedData),
			after:    recordSize(model.CategorySharedData),
		},
		model.CategoryAuxiliaryStorage: {
			suspend:  true,
			selected: selectData,
			probe:    dirExists(model.CategoryAuxiliaryStorage),
			source:   dataSource(model.CategoryAuxiliaryStorage),
			after:    recordSize(model.CategoryAuxiliaryStorage),
		},
	},
}

func archiveExists(c model.Category) func(context.Context, *taskEnv) (bool, error) {
	return func(ctx context.Context, env *taskEnv) (bool, error) {
		return env.gateway.Exists(ctx, env.archivePath(c))
	}
}

func restoreSelectPackage(env *taskEnv) bool {
	return env.task.SelectPackage && env.snapshot.HasPackage
}

func restoreSelectData(env *taskEnv) bool {
	return env.task.SelectData && env.snapshot.HasData
}

func stagePackage(ctx context.Context, env *taskEnv) (compress.Request, error) {
	if err := env.gateway.Remove(ctx, env.stageDir); err != nil {
		return compress.Request{}, err
	}
	if err := env.gateway.MakeDir(ctx, env.stageDir); err != nil {
		return compress.Request{}, err
	}
	return compress.Request{
		Category:   model.CategoryPackage,
		PackageID:  env.packageID(),
		OutputDir:  env.archiveDir,
		SourceDir:  env.stageDir,
		Compatible: env.opts.Compatible,
	}, nil
}

func installPackage(ctx context.Context, env *taskEnv) error {
	names, err := env.gateway.ListFiles(ctx, env.stageDir, apkPattern)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		if apkRegexp.MatchString(name) {
			paths = append(paths, filepath.Join(env.stageDir, name))
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("archive for %s holds no package files", env.packageID())
	}
	if err := env.gateway.InstallPackage(ctx, paths, env.opts.UserID); err != nil {
		return err
	}
	// The uid changes when the package was not installed before.
	env.uid = 0
	return env.gateway.Remove(ctx, env.stageDir)
}

func restoreSource(c model.Category) func(context.Context, *taskEnv) (compress.Request, error) {
	return func(_ context.Context, env *taskEnv) (compress.Request, error) {
		return compress.Request{
			Category:   c,
			PackageID:  env.packageID(),
			OutputDir:  env.archiveDir,
			SourceDir:  env.opts.Paths.Root(c),
			Compatible: env.opts.Compatible,
		}, nil
	}
}

func fixOwnership(c model.Category, chown bool) func(context.Context, *taskEnv) error {
	return func(ctx context.Context, env *taskEnv) error {
		uid := 0
		if chown {
			var err error
			if uid, err = env.appUID(ctx); err != nil {
				return err
			}
		}
		return env.gateway.RestoreOwnership(ctx, env.dataDir(c), uid, chown)
	}
}

var restorePlan = plan{
	direction: DirectionRestore,
	steps: map[model.Category]step{
		model.CategoryPackage: {
			selected: restoreSelectPackage,
			probe:    archiveExists(model.CategoryPackage),
			source:   stagePackage,
			after:    installPackage,
		},
		model.CategoryUserData: {
			suspend:  true,
			selected: restoreSelectData,
			source:   restoreSource(model.CategoryUserData),
			after:    fixOwnership(model.CategoryUserData, true),
		},
		model.CategoryDeviceUserData: {
			suspend:  true,
			selected: restoreSelectData,
			probe:    archiveExists(model.CategoryDeviceUserData),
			source:   restoreSource(model.CategoryDeviceUserData),
			after:    fixOwnership(model.CategoryDeviceUserData, true),
		},
		model.CategorySharedData: {
			suspend:  true,
			selected: restoreSelectData,
			probe:    archiveExists(model.CategorySharedData),
			source:   restoreSource(model.CategorySharedData),
			after:    fixOwnership(model.CategorySharedData, true),
		},
		model.CategoryAuxiliaryStorage: {
			suspend:  true,
			selected: restoreSelectData,
			probe:    archiveExists(model.CategoryAuxiliaryStorage),
			source:   restoreSource(model.CategoryAuxiliaryStorage),
			after:    fixOwnership(model.CategoryAuxiliaryStorage, false),
		},
	},
}

func planFor(d Direction) plan {
	if d == DirectionRestore {
		return restorePlan
	}
	return backupPlan
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/environment"
	"github.com/dukerupert/pkgvault/internal/logging"
	"github.com/dukerupert/pkgvault/internal/metrics"
	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/privileged"
)

var (
	ErrAlreadyRunning = errors.New("a batch is already running")
	ErrNothingToRetry = errors.New("no previous batch to retry")
	ErrNotRunning     = errors.New("no batch is running")
)

// Status labels reported in Progress.
const (
	StatusIdle       = "Idle"
	StatusPreparing  = "Preparing"
	StatusProcessing = "Processing"
	StatusFinished   = "Finished"
	StatusCancelled  = "Cancelled"
	StatusFailed     = "Failed"
)

// Strategy decides the date label of a backup run.
type Strategy string

const (
	// StrategyCover overwrites the previous archive of each package.
	StrategyCover Strategy = "cover"
	// StrategyTimestamp keeps one archive directory per run.
	StrategyTimestamp Strategy = "timestamp"
)

// Options configures where and how a batch works.
type Options struct {
	BackupRoot   string
	StageDir     string
	UserID       int
	Paths        Paths
	Algorithm    compress.Algorithm
	Compatible   bool
	Strategy     Strategy
	BackupIcon   bool
	// BackupItself copies the daemon binary into BackupRoot before a backup batch.
	BackupItself bool
}

// Selection is one package chosen for a batch.
type Selection struct {
	PackageID     string `json:"package_id"`
	Label         string `json:"label,omitempty"`
	SelectPackage bool   `json:"select_package"`
	SelectData    bool   `json:"select_data"`
	// Date picks the snapshot to restore. Empty means the latest one.
	Date string `json:"date,omitempty"`
}

// Batch is the input of a fresh run.
type Batch struct {
	Direction  Direction   `json:"direction"`
	Selections []Selection `json:"selections"`
}

// Progress is a point-in-time view of the current or last batch.
type Progress struct {
	RunID     string    `json:"run_id,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Date      string    `json:"date,omitempty"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Status    string    `json:"status"`
	Running   bool      `json:"running"`
	Paused    bool      `json:"paused"`
}

// Observer receives progress and task updates. Calls are made from the batch
// goroutine and must not block.
type Observer interface {
	ProgressChanged(p Progress)
	TaskChanged(t model.ProcessingTask)
}

// IconSource supplies encoded icons for packages.
type IconSource interface {
	Icon(ctx context.Context, packageID string) ([]byte, error)
}

// History persists a record of every batch run.
type History interface {
	StartRun(ctx context.Context, run model.Run) error
	RecordTask(ctx context.Context, runID string, task model.ProcessingTask) error
	FinishRun(ctx context.Context, run model.Run) error
}

// Deps are the collaborators of an Orchestrator. Gateway, Compressor and
// Catalog are required.
type Deps struct {
	Gateway    privileged.Gateway
	Compressor compress.Compressor
	Catalog    *catalog.Store
	Adjuster   environment.Adjuster
	Icons      IconSource
	History    History
	Actions    logging.ActionLog
	Observer   Observer
	Logger     *slog.Logger
}

// batchRun is the state of one Run call.
type batchRun struct {
	id        string
	direction Direction
	mode      Mode
	plan      plan
	date      string
	gate      *gate
	records   map[string]*model.BackupRecord
	started   time.Time
}

// Orchestrator runs batches of package tasks one at a time.
type Orchestrator struct {
	gateway    privileged.Gateway
	compressor compress.Compressor
	catalog    *catalog.Store
	adjuster   environment.Adjuster
	icons      IconSource
	history    History
	actions    logging.ActionLog
	observer   Observer
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
	executable func() (string, error)

	running atomic.Bool

	mu        sync.RWMutex
	gate      *gate
	progress  Progress
	tasks     []*model.ProcessingTask
	current   *model.ProcessingTask
	direction Direction
	date      string
	records   map[string]*model.BackupRecord
}

// New creates an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	o := &Orchestrator{
		gateway:    deps.Gateway,
		compressor: deps.Compressor,
		catalog:    deps.Catalog,
		adjuster:   deps.Adjuster,
		icons:      deps.Icons,
		history:    deps.History,
		actions:    deps.Actions,
		observer:   deps.Observer,
		logger:     deps.Logger,
		opts:       opts,
		now:        time.Now,
		executable: os.Executable,
		progress:   Progress{Status: StatusIdle},
	}
	if o.adjuster == nil {
		o.adjuster = environment.Noop{}
	}
	if o.actions == nil {
		o.actions = logging.Discard
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "pipeline")
	return o
}

// SetObserver replaces the observer. It must be called before Run.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observer = obs
}

// Running reports whether a batch is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run executes one batch and blocks until it ends. Cancellation, through
// Cancel or ctx, is not an error.
func (o *Orchestrator) Run(ctx context.Context, batch Batch, mode Mode) error {
	done, err := o.Start(ctx, batch, mode)
	if err != nil {
		return err
	}
	return <-done
}

// Start validates and claims the batch slot, then runs the batch in a new
// goroutine. The returned channel receives the result of the batch once.
func (o *Orchestrator) Start(ctx context.Context, batch Batch, mode Mode) (<-chan error, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	br, err := o.begin(batch, mode)
	if err != nil {
		o.running.Store(false)
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		err := o.execute(ctx, br, batch)
		o.running.Store(false)
		done <- err
	}()
	return done, nil
}

func (o *Orchestrator) execute(ctx context.Context, br *batchRun, batch Batch) error {
	o.updateProgress(func(p *Progress) {
		*p = Progress{
			RunID:     br.id,
			Direction: br.direction,
			Mode:      br.mode,
			Status:    StatusPreparing,
			Running:   true,
		}
	})
	ctx = logging.WithRunID(ctx, br.id)
	work := context.WithoutCancel(ctx)
	logger := o.logger.With("run_id", br.id, "direction", br.direction, "mode", br.mode)

	metrics.BatchRunning.Set(1)
	defer metrics.BatchRunning.Set(0)

	logger.Info("batch started")
	o.action(ctx, "batch", fmt.Sprintf("%s batch started (%s)", br.direction, br.mode))
	br.started = o.now()
	if o.history != nil {
		run := model.Run{
			ID:        br.id,
			Direction: string(br.direction),
			Mode:      string(br.mode),
			Status:    StatusPreparing,
			StartedAt: br.started,
		}
		if err := o.history.StartRun(work, run); err != nil {
			logger.Warn("failed to record run start", "error", err)
		}
	}

	if err := o.gateway.Check(work); err != nil {
		logger.Error("privileged channel check failed", "error", err)
		err = fmt.Errorf("check privileged channel: %w", err)
		o.end(work, br, StatusFailed, err)
		return err
	}
	if err := o.catalog.EnsureLoaded(); err != nil {
		logger.Error("failed to load catalog", "error", err)
		err = fmt.Errorf("load catalog: %w", err)
		o.end(work, br, StatusFailed, err)
		return err
	}

	pending, err := o.prepareBatch(work, br, batch)
	if err != nil {
		logger.Error("failed to prepare batch", "error", err)
		err = fmt.Errorf("prepare batch: %w", err)
		o.end(work, br, StatusFailed, err)
		return err
	}

	o.updateProgress(func(p *Progress) {
		p.Date = br.date
		p.Total = len(pending)
	})

	if br.direction == DirectionBackup && o.opts.BackupItself {
		o.backupItself(work, logger)
	}

	cancelled, batchErr := o.runTasks(ctx, br, pending, logger)

	// An unsaved restore map stays in memory so the next save writes it.
	if err := o.catalog.Save(); err != nil {
		logger.Error("failed to save catalog", "error", err)
		batchErr = errors.Join(batchErr, fmt.Errorf("save catalog: %w", err))
	} else {
		o.catalog.ClearRestore()
	}

	status := StatusFinished
	switch {
	case cancelled:
		status = StatusCancelled
	case batchErr != nil:
		status = StatusFailed
	}
	o.end(work, br, status, batchErr)
	logger.Info("batch finished", "status", status)
	return batchErr
}

// backupItself writes a copy of the running binary into the backup root.
// Failures are logged only.
func (o *Orchestrator) backupItself(ctx context.Context, logger *slog.Logger) {
	dest, err := o.copyExecutable(ctx)
	if err != nil {
		logger.Warn("failed to copy daemon binary", "error", err)
		o.action(ctx, "self", "copy failed: "+err.Error())
		return
	}
	logger.Info("copied daemon binary", "path", dest)
	o.action(ctx, "self", "copied to "+dest)
}

func (o *Orchestrator) copyExecutable(ctx context.Context) (string, error) {
	exe, err := o.executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	data, err := os.ReadFile(exe)
	if err != nil {
		return "", fmt.Errorf("read executable: %w", err)
	}
	dest := filepath.Join(o.opts.BackupRoot, filepath.Base(exe))
	if err := o.gateway.MakeDir(ctx, o.opts.BackupRoot); err != nil {
		return "", err
	}
	if err := o.gateway.WriteBytes(ctx, dest, data); err != nil {
		return "", err
	}
	return dest, nil
}

// begin validates the mode and resets progress for a new run.
func (o *Orchestrator) begin(batch Batch, mode Mode) (*batchRun, error) {
	br := &batchRun{id: uuid.NewString(), mode: mode, gate: newGate()}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch mode {
	case ModeFresh:
		switch batch.Direction {
		case DirectionBackup, DirectionRestore:
		default:
			return nil, fmt.Errorf("unknown direction %q", batch.Direction)
		}
		br.direction = batch.Direction
	case ModeRetryFailed:
		if o.tasks == nil {
			return nil, ErrNothingToRetry
		}
		br.direction = o.direction
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	br.plan = planFor(br.direction)

	o.gate = br.gate
	o.current = nil
	return br, nil
}

// prepareBatch builds or reuses the task list and returns the tasks to run.
func (o *Orchestrator) prepareBatch(ctx context.Context, br *batchRun, batch Batch) ([]*model.ProcessingTask, error) {
	if br.mode == ModeRetryFailed {
		o.mu.RLock()
		defer o.mu.RUnlock()
		br.date = o.date
		br.records = o.records
		var pending []*model.ProcessingTask
		for _, t := range o.tasks {
			if t.State == model.TaskFailed {
				pending = append(pending, t)
			}
		}
		return pending, nil
	}

	br.date = o.dateLabel()
	var (
		tasks   []*model.ProcessingTask
		records map[string]*model.BackupRecord
		err     error
	)
	if br.direction == DirectionRestore {
		tasks = o.buildRestore(ctx, batch.Selections)
	} else {
		tasks, records, err = o.buildBackup(ctx, batch.Selections)
		if err != nil {
			return nil, err
		}
	}
	br.records = records

	o.mu.Lock()
	o.tasks = tasks
	o.records = records
	o.direction = br.direction
	o.date = br.date
	o.mu.Unlock()
	return tasks, nil
}

func (o *Orchestrator) dateLabel() string {
	if o.opts.Strategy == StrategyCover {
		return model.CoverLabel
	}
	return strconv.FormatInt(o.now().UnixMilli(), 10)
}

// buildBackup creates one Waiting task per selection, refreshing what the
// package manager reports. Packages that are not installed are skipped.
func (o *Orchestrator) buildBackup(ctx context.Context, sels []Selection) ([]*model.ProcessingTask, map[string]*model.BackupRecord, error) {
	tasks := make([]*model.ProcessingTask, 0, len(sels))
	records := make(map[string]*model.BackupRecord, len(sels))

	for _, sel := range sels {
		if sel.PackageID == "" || (!sel.SelectPackage && !sel.SelectData) {
			continue
		}
		if _, dup := records[sel.PackageID]; dup {
			continue
		}

		rec, ok := o.catalog.Backup(sel.PackageID)
		if !ok {
			rec = &model.BackupRecord{Base: model.PackageBase{PackageID: sel.PackageID}}
		}
		if sel.Label != "" {
			rec.Base.Label = sel.Label
		}
		if rec.Base.Label == "" {
			rec.Base.Label = sel.PackageID
		}
		rec.SelectPackage = sel.SelectPackage
		rec.SelectData = sel.SelectData

		info, err := o.gateway.PackageInfo(ctx, sel.PackageID, o.opts.UserID)
		switch {
		case err == nil:
			rec.OnDevice = true
			rec.FirstInstallTime = info.FirstInstallTime
			rec.Detail.VersionName = info.VersionName
			rec.Detail.VersionCode = info.VersionCode
		case errors.Is(err, privileged.ErrPackageNotFound):
			o.logger.Warn("package not installed, skipping", "package", sel.PackageID)
			o.action(ctx, sel.PackageID, "not installed, skipped")
			continue
		case errors.Is(err, privileged.ErrUnavailable):
			return nil, nil, err
		default:
			o.logger.Warn("failed to refresh package info", "package", sel.PackageID, "error", err)
		}

		records[sel.PackageID] = rec
		tasks = append(tasks, &model.ProcessingTask{
			PackageID:     sel.PackageID,
			Label:         rec.Base.Label,
			Icon:          rec.Base.Icon,
			SelectPackage: sel.SelectPackage,
			SelectData:    sel.SelectData,
			State:         model.TaskWaiting,
		})
	}
	return tasks, records, nil
}

// buildRestore creates one Waiting task per selection that has a snapshot
// able to satisfy it.
func (o *Orchestrator) buildRestore(ctx context.Context, sels []Selection) []*model.ProcessingTask {
	tasks := make([]*model.ProcessingTask, 0, len(sels))
	seen := make(map[string]bool, len(sels))

	for _, sel := range sels {
		if sel.PackageID == "" || seen[sel.PackageID] {
			continue
		}
		rec, ok := o.catalog.Restore(sel.PackageID)
		if !ok {
			o.logger.Warn("no restore record, skipping", "package", sel.PackageID)
			o.action(ctx, sel.PackageID, "no restore record, skipped")
			continue
		}
		var snap model.RestoreDetail
		if sel.Date != "" {
			snap, ok = rec.Snapshot(sel.Date)
		} else {
			snap, ok = rec.Latest()
		}
		if !ok {
			o.logger.Warn("no matching snapshot, skipping", "package", sel.PackageID, "date", sel.Date)
			o.action(ctx, sel.PackageID, "no matching snapshot, skipped")
			continue
		}
		if !(sel.SelectPackage && snap.HasPackage) && !(sel.SelectData && snap.HasData) {
			continue
		}

		seen[sel.PackageID] = true
		label := rec.Base.Label
		if sel.Label != "" {
			label = sel.Label
		}
		tasks = append(tasks, &model.ProcessingTask{
			PackageID:     sel.PackageID,
			Label:         label,
			Icon:          rec.Base.Icon,
			SelectPackage: sel.SelectPackage,
			SelectData:    sel.SelectData,
			Date:          snap.Date,
			State:         model.TaskWaiting,
		})
	}
	return tasks
}

// runTasks processes pending tasks in order with the environment adjusted.
func (o *Orchestrator) runTasks(ctx context.Context, br *batchRun, pending []*model.ProcessingTask, logger *slog.Logger) (cancelled bool, batchErr error) {
	work := context.WithoutCancel(ctx)
	snap := o.adjuster.Capture(work)
	defer o.adjuster.Restore(work, snap)

	total := len(pending)
	completed, failed := 0, 0
	for i, t := range pending {
		if !br.gate.wait(ctx) {
			return true, nil
		}
		o.updateProgress(func(p *Progress) {
			p.Status = fmt.Sprintf("%s (%d/%d)", StatusProcessing, i+1, total)
		})

		out := o.runTask(ctx, br, t)

		completed++
		if out.state == model.TaskFailed {
			failed++
		}
		o.updateProgress(func(p *Progress) {
			p.Completed = completed
			p.Failed = failed
		})
		if o.history != nil {
			if err := o.history.RecordTask(work, br.id, o.taskCopy(t)); err != nil {
				logger.Warn("failed to record task", "package", t.PackageID, "error", err)
			}
		}

		if out.cancelled {
			return true, nil
		}
		if out.err != nil && errors.Is(out.err, privileged.ErrUnavailable) {
			logger.Error("privileged channel lost, aborting batch", "package", t.PackageID, "error", out.err)
			return false, fmt.Errorf("privileged channel lost during %s: %w", t.PackageID, out.err)
		}
	}
	return false, nil
}

// end publishes the terminal status and closes the history record.
func (o *Orchestrator) end(ctx context.Context, br *batchRun, status string, err error) {
	var p Progress
	o.updateProgress(func(pp *Progress) {
		pp.Status = status
		pp.Running = false
		pp.Paused = false
		p = *pp
	})
	metrics.BatchesTotal.WithLabelValues(string(br.direction), status).Inc()

	o.action(ctx, "batch", fmt.Sprintf("%s batch %s", br.direction, status))
	if o.history == nil {
		return
	}
	finished := o.now()
	run := model.Run{
		ID:         br.id,
		Direction:  string(br.direction),
		Mode:       string(br.mode),
		Date:       br.date,
		Status:     status,
		Total:      p.Total,
		Completed:  p.Completed,
		Failed:     p.Failed,
		StartedAt:  br.started,
		FinishedAt: &finished,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if herr := o.history.FinishRun(ctx, run); herr != nil {
		o.logger.Warn("failed to record run finish", "run_id", br.id, "error", herr)
	}
}

// Pause lets the in-flight object finish and holds the batch before the next one.
func (o *Orchestrator) Pause() error {
	g := o.activeGate()
	if g == nil {
		return ErrNotRunning
	}
	g.pause()
	o.updateProgress(func(p *Progress) { p.Paused = true })
	return nil
}

// Resume releases a paused batch.
func (o *Orchestrator) Resume() error {
	g := o.activeGate()
	if g == nil {
		return ErrNotRunning
	}
	g.resume()
	o.updateProgress(func(p *Progress) { p.Paused = false })
	return nil
}

// Cancel stops the batch before its next object. A paused batch is released.
func (o *Orchestrator) Cancel() error {
	g := o.activeGate()
	if g == nil {
		return ErrNotRunning
	}
	g.cancel()
	return nil
}

func (o *Orchestrator) activeGate() *gate {
	if !o.running.Load() {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gate
}

// Progress returns the current progress snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// Tasks returns copies of the task list of the current or last batch.
func (o *Orchestrator) Tasks() []model.ProcessingTask {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.ProcessingTask, len(o.tasks))
	for i, t := range o.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Current returns a copy of the task being processed, with its live objects.
func (o *Orchestrator) Current() (model.ProcessingTask, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return model.ProcessingTask{}, false
	}
	return o.current.Clone(), true
}

func (o *Orchestrator) taskCopy(t *model.ProcessingTask) model.ProcessingTask {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return t.Clone()
}

func (o *Orchestrator) setTaskState(t *model.ProcessingTask, s model.TaskState) {
	o.mu.Lock()
	t.State = s
	o.mu.Unlock()
}

// publishObjects exposes the live object list of t to Current and the observer.
func (o *Orchestrator) publishObjects(t *model.ProcessingTask, objs []model.ProcessingObject) {
	o.mu.Lock()
	cur := t.Clone()
	cur.Objects = append([]model.ProcessingObject(nil), objs...)
	o.current = &cur
	o.mu.Unlock()
	o.notifyTask(cur.Clone())
}

func (o *Orchestrator) notifyTask(t model.ProcessingTask) {
	o.mu.RLock()
	obs := o.observer
	o.mu.RUnlock()
	if obs != nil {
		obs.TaskChanged(t)
	}
}

func (o *Orchestrator) updateProgress(fn func(p *Progress)) {
	o.mu.Lock()
	fn(&o.progress)
	p, obs := o.progress, o.observer
	o.mu.Unlock()
	if obs != nil {
		obs.ProgressChanged(p)
	}
}

func (o *Orchestrator) action(ctx context.Context, tag, line string) {
	o.actions.AddLine(ctx, tag, line)
}

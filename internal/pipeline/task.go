package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/metrics"
	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/privileged"
)

// taskOutcome is what the orchestrator needs to know once a task returns.
type taskOutcome struct {
	state     model.TaskState
	cancelled bool
	// err is the reason the task stopped early, if any.
	err error
}

// objectsResult summarizes the object loop of one task.
type objectsResult struct {
	failed    bool
	cancelled bool
	err       error
}

func isPrivilegeError(err error) bool {
	var pe *privileged.PrivilegeError
	return errors.As(err, &pe)
}

// runTask drives one package through its objects. ctx carries cancellation
// only; work already handed to the gateway or compressor runs to completion.
func (o *Orchestrator) runTask(ctx context.Context, br *batchRun, t *model.ProcessingTask) taskOutcome {
	logger := o.logger.With("package", t.PackageID, "run_id", br.id)
	work := context.WithoutCancel(ctx)

	objs := model.NewObjects()
	for i := range objs {
		objs[i].Title = compress.TitleReady
		objs[i].Subtitle = compress.SubtitleWait
	}
	o.setTaskState(t, model.TaskProcessing)
	o.publishObjects(t, objs)
	o.action(ctx, t.PackageID, fmt.Sprintf("%s %s", br.direction, t.PackageID))

	env, err := o.prepareTask(work, br, t)
	if err != nil {
		logger.Error("failed to prepare task", "error", err)
		o.action(ctx, t.PackageID, "prepare failed: "+err.Error())
		return o.finishTask(br, t, objs, taskOutcome{state: model.TaskFailed, err: err})
	}

	for i := range objs {
		st := br.plan.steps[objs[i].Category]
		if !st.selected(env) {
			continue
		}
		if st.probe != nil {
			ok, err := st.probe(work, env)
			if err != nil {
				logger.Error("failed to probe category", "category", objs[i].Category, "error", err)
				o.action(ctx, t.PackageID, fmt.Sprintf("probe %s failed: %v", objs[i].Category, err))
				return o.finishTask(br, t, objs, taskOutcome{state: model.TaskFailed, err: err})
			}
			if !ok {
				continue
			}
		}
		objs[i].Visible = true
	}
	o.publishObjects(t, objs)

	res := o.processObjects(ctx, br, env, t, objs, logger)

	out := taskOutcome{state: model.TaskSuccess, cancelled: res.cancelled, err: res.err}
	if res.failed || res.cancelled || res.err != nil {
		out.state = model.TaskFailed
	}

	if br.direction == DirectionBackup && !res.cancelled && res.err == nil {
		o.saveIcon(work, env, logger)
	}
	if br.direction == DirectionBackup && out.state == model.TaskSuccess {
		o.commitBackup(env, br.date)
	}
	return o.finishTask(br, t, objs, out)
}

// prepareTask resolves the per-task working state.
func (o *Orchestrator) prepareTask(ctx context.Context, br *batchRun, t *model.ProcessingTask) (*taskEnv, error) {
	env := &taskEnv{task: t, gateway: o.gateway, opts: o.opts}

	switch br.direction {
	case DirectionRestore:
		rec, ok := o.catalog.Restore(t.PackageID)
		if !ok {
			return nil, fmt.Errorf("no restore record for %s", t.PackageID)
		}
		snap, ok := rec.Snapshot(t.Date)
		if !ok {
			return nil, fmt.Errorf("no snapshot %q for %s", t.Date, t.PackageID)
		}
		env.snapshot = snap
		env.archiveDir = filepath.Join(o.opts.BackupRoot, t.PackageID, snap.Date)
		env.stageDir = filepath.Join(o.opts.StageDir, t.PackageID)

	default:
		base, ok := br.records[t.PackageID]
		if !ok {
			return nil, fmt.Errorf("no backup record for %s", t.PackageID)
		}
		env.working = base.Clone()
		if env.working.Detail.Sizes == nil {
			env.working.Detail.Sizes = make(model.Sizes)
		}
		env.archiveDir = filepath.Join(o.opts.BackupRoot, t.PackageID, br.date)
		if err := o.gateway.MakeDir(ctx, env.archiveDir); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// processObjects runs the visible objects in order inside the suspend bracket.
func (o *Orchestrator) processObjects(ctx context.Context, br *batchRun, env *taskEnv, t *model.ProcessingTask, objs []model.ProcessingObject, logger *slog.Logger) (res objectsResult) {
	work := context.WithoutCancel(ctx)

	suspended := false
	defer func() {
		if !suspended {
			return
		}
		if err := o.gateway.SetSuspended(work, t.PackageID, o.opts.UserID, false); err != nil {
			logger.Error("failed to resume package", "error", err)
			o.action(ctx, t.PackageID, "resume failed: "+err.Error())
			if res.err == nil {
				res.err = err
			}
		}
	}()

	for i := range objs {
		obj := &objs[i]
		if !obj.Visible {
			continue
		}
		if !br.gate.wait(ctx) {
			res.cancelled = true
			return res
		}

		st := br.plan.steps[obj.Category]
		if st.suspend && !suspended {
			suspended = true
			if err := o.gateway.SetSuspended(work, t.PackageID, o.opts.UserID, true); err != nil {
				logger.Error("failed to suspend package", "error", err)
				o.action(ctx, t.PackageID, "suspend failed: "+err.Error())
				o.failObject(t, objs, obj, err.Error())
				res.err = err
				return res
			}
		}

		obj.State = model.ObjectProcessing
		obj.Title = compress.TitleProcessing
		obj.Subtitle = compress.SubtitleWait
		o.publishObjects(t, objs)

		start := time.Now()
		ok, err := o.processObject(work, br, env, t, objs, obj, st)
		metrics.ObjectDuration.WithLabelValues(string(br.direction), string(obj.Category)).Observe(time.Since(start).Seconds())

		switch {
		case err != nil && isPrivilegeError(err):
			logger.Error("privileged operation failed", "category", obj.Category, "error", err)
			o.action(ctx, t.PackageID, fmt.Sprintf("%s: %v", obj.Category, err))
			o.failObject(t, objs, obj, err.Error())
			metrics.ObjectsTotal.WithLabelValues(string(br.direction), string(obj.Category), string(model.ObjectFailed)).Inc()
			res.err = err
			return res
		case err != nil:
			logger.Warn("category failed", "category", obj.Category, "error", err)
			o.action(ctx, t.PackageID, fmt.Sprintf("%s: %v", obj.Category, err))
			o.failObject(t, objs, obj, err.Error())
			res.failed = true
		case !ok:
			o.failObject(t, objs, obj, obj.Subtitle)
			res.failed = true
		default:
			obj.State = model.ObjectSuccess
			obj.Title = compress.TitleSuccess
			o.publishObjects(t, objs)
		}
		metrics.ObjectsTotal.WithLabelValues(string(br.direction), string(obj.Category), string(obj.State)).Inc()
	}
	return res
}

// processObject archives one category and runs its post-success step.
// A false result without error is an archiver failure.
func (o *Orchestrator) processObject(ctx context.Context, br *batchRun, env *taskEnv, t *model.ProcessingTask, objs []model.ProcessingObject, obj *model.ProcessingObject, st step) (bool, error) {
	req, err := st.source(ctx, env)
	if err != nil {
		return false, err
	}

	var lastErr string
	ok := br.plan.archive(ctx, o.compressor, req, func(kind compress.LineKind, text string) {
		title, subtitle := compress.Describe(kind, text)
		if title != "" {
			obj.Title = title
		}
		obj.Subtitle = subtitle
		if kind == compress.KindError {
			lastErr = text
		}
		o.publishObjects(t, objs)
	})
	if !ok {
		o.action(ctx, t.PackageID, fmt.Sprintf("%s archive failed: %s", obj.Category, lastErr))
		return false, nil
	}

	if st.after != nil {
		if err := st.after(ctx, env); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (o *Orchestrator) failObject(t *model.ProcessingTask, objs []model.ProcessingObject, obj *model.ProcessingObject, reason string) {
	obj.State = model.ObjectFailed
	obj.Title = compress.TitleFailed
	obj.Subtitle = reason
	o.publishObjects(t, objs)
}

// commitBackup merges the working record into both catalog maps.
func (o *Orchestrator) commitBackup(env *taskEnv, date string) {
	w := env.working
	w.OnDevice = true
	w.Detail.Date = date
	o.catalog.PutBackup(w)
	o.catalog.MergeSnapshot(w.Base, w.FirstInstallTime, model.RestoreDetail{
		HasPackage:  w.SelectPackage,
		HasData:     w.SelectData,
		VersionName: w.Detail.VersionName,
		VersionCode: w.Detail.VersionCode,
		Sizes:       w.Detail.Sizes,
		Date:        date,
	})
}

// saveIcon writes the package icon next to its dated archive directories.
// Failures are logged only.
func (o *Orchestrator) saveIcon(ctx context.Context, env *taskEnv, logger *slog.Logger) {
	if !o.opts.BackupIcon || o.icons == nil {
		return
	}
	data, err := o.icons.Icon(ctx, env.packageID())
	if err != nil {
		logger.Warn("failed to load icon", "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	rel := filepath.Join(env.packageID(), IconFile)
	if err := o.gateway.WriteBytes(ctx, filepath.Join(o.opts.BackupRoot, rel), data); err != nil {
		logger.Warn("failed to save icon", "error", err)
		return
	}
	env.working.Base.Icon = rel
}

// finishTask snapshots the object list into the task and publishes the outcome.
func (o *Orchestrator) finishTask(br *batchRun, t *model.ProcessingTask, objs []model.ProcessingObject, out taskOutcome) taskOutcome {
	o.mu.Lock()
	t.Objects = append([]model.ProcessingObject(nil), objs...)
	t.State = out.state
	snapshot := t.Clone()
	o.current = nil
	o.mu.Unlock()

	metrics.TasksTotal.WithLabelValues(string(br.direction), string(out.state)).Inc()
	o.notifyTask(snapshot)
	return out
}

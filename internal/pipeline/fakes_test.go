package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/pkgvault/internal/catalog"
	"github.com/dukerupert/pkgvault/internal/compress"
	"github.com/dukerupert/pkgvault/internal/environment"
	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/privileged"
)

const testNow = 1700000000000

var testPaths = Paths{
	User:   "/data/user/0",
	UserDe: "/data/user_de/0",
	Data:   "/data/media/0/Android/data",
	Obb:    "/data/media/0/Android/obb",
}

// fakeGateway records every call as a short command line. Errors and
// answers are keyed by the same line.
type fakeGateway struct {
	mu           sync.Mutex
	calls        []string
	checkErr     error
	exists       map[string]bool
	sizes        map[string]int64
	apks         map[string][]string
	files        map[string][]string
	notInstalled map[string]bool
	errs         map[string]error
	written      map[string][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		exists:       map[string]bool{},
		sizes:        map[string]int64{},
		apks:         map[string][]string{},
		files:        map[string][]string{},
		notInstalled: map[string]bool{},
		errs:         map[string]error{},
		written:      map[string][]byte{},
	}
}

func (g *fakeGateway) record(line string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, line)
	return g.errs[line]
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) count(line string) int {
	n := 0
	for _, c := range g.Calls() {
		if c == line {
			n++
		}
	}
	return n
}

func (g *fakeGateway) index(line string) int {
	for i, c := range g.Calls() {
		if c == line {
			return i
		}
	}
	return -1
}

func (g *fakeGateway) Check(context.Context) error {
	g.record("check")
	return g.checkErr
}

func (g *fakeGateway) Exists(_ context.Context, path string) (bool, error) {
	if err := g.record("exists " + path); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exists[path], nil
}

func (g *fakeGateway) SetSuspended(_ context.Context, pkg string, _ int, suspended bool) error {
	if suspended {
		return g.record("suspend " + pkg)
	}
	return g.record("resume " + pkg)
}

func (g *fakeGateway) CountSize(_ context.Context, path, _ string) (int64, error) {
	if err := g.record("size " + path); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sizes[path], nil
}

func (g *fakeGateway) ListPackageFilePaths(_ context.Context, pkg string, _ int) ([]string, error) {
	if err := g.record("paths " + pkg); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.apks[pkg], nil
}

func (g *fakeGateway) ListFiles(_ context.Context, dir, _ string) ([]string, error) {
	if err := g.record("ls " + dir); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.files[dir], nil
}

func (g *fakeGateway) WriteBytes(_ context.Context, path string, data []byte) error {
	if err := g.record("write " + path); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.written[path] = data
	return nil
}

func (g *fakeGateway) MakeDir(_ context.Context, path string) error {
	return g.record("mkdir " + path)
}

func (g *fakeGateway) Remove(_ context.Context, path string) error {
	return g.record("rm " + path)
}

func (g *fakeGateway) PackageInfo(_ context.Context, pkg string, userID int) (privileged.PackageInfo, error) {
	if err := g.record("info " + pkg); err != nil {
		return privileged.PackageInfo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notInstalled[pkg] {
		return privileged.PackageInfo{}, privileged.ErrPackageNotFound
	}
	return privileged.PackageInfo{
		PackageID:        pkg,
		VersionName:      "1.2.3",
		VersionCode:      123,
		FirstInstallTime: 1600000000000,
		UID:              userID*100000 + 10123,
	}, nil
}

func (g *fakeGateway) InstallPackage(_ context.Context, apkPaths []string, _ int) error {
	return g.record("install " + strings.Join(apkPaths, ","))
}

func (g *fakeGateway) RestoreOwnership(_ context.Context, path string, uid int, chown bool) error {
	return g.record(fmt.Sprintf("own %s %d %v", path, uid, chown))
}

// fakeCompressor succeeds unless the (package, category) pair is marked failing.
type fakeCompressor struct {
	mu       sync.Mutex
	fail     map[string]bool
	requests []compress.Request
	extracts []compress.Request
	// hook runs inside every call, after the start line.
	hook func(req compress.Request)
}

func newFakeCompressor() *fakeCompressor {
	return &fakeCompressor{fail: map[string]bool{}}
}

func failKey(pkg string, c model.Category) string { return pkg + "/" + string(c) }

func (c *fakeCompressor) setFail(pkg string, cat model.Category, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[failKey(pkg, cat)] = fail
}

func (c *fakeCompressor) Compress(_ context.Context, req compress.Request, onLine compress.LineFunc) bool {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.run(req, onLine)
}

func (c *fakeCompressor) Decompress(_ context.Context, req compress.Request, onLine compress.LineFunc) bool {
	c.mu.Lock()
	c.extracts = append(c.extracts, req)
	c.mu.Unlock()
	return c.run(req, onLine)
}

func (c *fakeCompressor) run(req compress.Request, onLine compress.LineFunc) bool {
	onLine(compress.KindStart, "previous size 0 B")
	onLine(compress.KindEntry, req.PackageID+"/files/a.db")

	c.mu.Lock()
	failed := c.fail[failKey(req.PackageID, req.Category)]
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	if failed {
		onLine(compress.KindError, "tar: write error")
		return false
	}
	onLine(compress.KindTotal, "Total bytes written: 2048 (2.0KiB, 1MiB/s)")
	onLine(compress.KindFinish, string(req.Category))
	return true
}

// categories returns the categories archived for pkg, in call order.
func (c *fakeCompressor) categories(pkg string) []model.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Category
	for _, r := range c.requests {
		if r.PackageID == pkg {
			out = append(out, r.Category)
		}
	}
	return out
}

func (c *fakeCompressor) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeAdjuster struct {
	mu       sync.Mutex
	captured int
	restored []environment.Snapshot
}

func (a *fakeAdjuster) Capture(context.Context) environment.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captured++
	return environment.Snapshot{{Setting: environment.DefaultInputMethod, OK: true, Value: "ime"}}
}

func (a *fakeAdjuster) Restore(_ context.Context, snap environment.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restored = append(a.restored, snap)
}

type fakeHistory struct {
	mu       sync.Mutex
	started  []model.Run
	tasks    []model.ProcessingTask
	finished []model.Run
}

func (h *fakeHistory) StartRun(_ context.Context, run model.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, run)
	return nil
}

func (h *fakeHistory) RecordTask(_ context.Context, _ string, task model.ProcessingTask) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task)
	return nil
}

func (h *fakeHistory) FinishRun(_ context.Context, run model.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, run)
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
	onTask   func(t model.ProcessingTask)
}

func (r *recordingObserver) ProgressChanged(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != p.Status {
		r.statuses = append(r.statuses, p.Status)
	}
}

func (r *recordingObserver) TaskChanged(t model.ProcessingTask) {
	r.mu.Lock()
	fn := r.onTask
	r.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (r *recordingObserver) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

type staticIcons map[string][]byte

func (s staticIcons) Icon(_ context.Context, pkg string) ([]byte, error) {
	return s[pkg], nil
}

type harness struct {
	orch     *Orchestrator
	gateway  *fakeGateway
	comp     *fakeCompressor
	catalog  *catalog.Store
	dir      string
	adjuster *fakeAdjuster
	history  *fakeHistory
	observer *recordingObserver
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		gateway:  newFakeGateway(),
		comp:     newFakeCompressor(),
		dir:      t.TempDir(),
		adjuster: &fakeAdjuster{},
		history:  &fakeHistory{},
		observer: &recordingObserver{},
	}
	h.catalog = catalog.New(h.dir)

	o := Options{
		BackupRoot: "/backup",
		StageDir:   "/stage",
		UserID:     0,
		Paths:      testPaths,
		Algorithm:  compress.AlgorithmZstd,
		Strategy:   StrategyTimestamp,
	}
	for _, fn := range opts {
		fn(&o)
	}

	h.orch = New(o, Deps{
		Gateway:    h.gateway,
		Compressor: h.comp,
		Catalog:    h.catalog,
		Adjuster:   h.adjuster,
		History:    h.history,
		Observer:   h.observer,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.orch.now = func() time.Time { return time.UnixMilli(testNow) }
	return h
}

// installApp registers pkg with one APK directory.
func (h *harness) installApp(pkg string) {
	dir := "/data/app/~~x/" + pkg + "-1"
	h.gateway.apks[pkg] = []string{dir + "/base.apk", dir + "/split_config.arm64.apk"}
	h.gateway.sizes[dir] = 4096
	h.gateway.sizes[testPaths.User+"/"+pkg] = 2048
}

func (h *harness) task(t *testing.T, pkg string) model.ProcessingTask {
	t.Helper()
	for _, task := range h.orch.Tasks() {
		if task.PackageID == pkg {
			return task
		}
	}
	t.Fatalf("no task for %s", pkg)
	return model.ProcessingTask{}
}

func objectByCategory(t *testing.T, task model.ProcessingTask, c model.Category) model.ProcessingObject {
	t.Helper()
	for _, o := range task.Objects {
		if o.Category == c {
			return o
		}
	}
	t.Fatalf("task %s has no %s object", task.PackageID, c)
	return model.ProcessingObject{}
}

func backupBatch(sels ...Selection) Batch {
	return Batch{Direction: DirectionBackup, Selections: sels}
}

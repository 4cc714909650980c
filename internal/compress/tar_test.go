package compress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/dukerupert/pkgvault/internal/model"
	"github.com/dukerupert/pkgvault/internal/privileged"
)

type streamLine struct {
	stream privileged.Stream
	text   string
}

// scriptRunner replays canned output for Stream and records the command.
type scriptRunner struct {
	name  string
	args  []string
	lines []streamLine
	err   error
}

func (r *scriptRunner) Output(context.Context, string, ...string) ([]byte, error) { return nil, nil }

func (r *scriptRunner) Input(context.Context, io.Reader, string, ...string) error { return nil }

func (r *scriptRunner) Copy(context.Context, io.Writer, string, ...string) error { return nil }

func (r *scriptRunner) Stream(_ context.Context, onLine privileged.LineFunc, name string, args ...string) error {
	r.name = name
	r.args = args
	for _, l := range r.lines {
		onLine(l.stream, l.text)
	}
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorded struct {
	kind LineKind
	text string
}

func TestCompressStreamsLines(t *testing.T) {
	r := &scriptRunner{lines: []streamLine{
		{privileged.Stdout, "com.example.app/"},
		{privileged.Stdout, "com.example.app/files/a.db"},
		{privileged.Stdout, ""},
		{privileged.Stderr, "Total bytes written: 10240 (10KiB, 1MiB/s)"},
	}}
	tar := NewTar(r, AlgorithmZstd, testLogger())

	var got []recorded
	ok := tar.Compress(context.Background(), Request{
		Category:     model.CategoryUserData,
		PackageID:    "com.example.app",
		OutputDir:    "/backup/com.example.app/Cover",
		SourceDir:    "/data/user/0",
		Members:      []string{"com.example.app"},
		PreviousSize: "2048",
	}, func(k LineKind, text string) {
		got = append(got, recorded{k, text})
	})
	if !ok {
		t.Fatal("compress returned false")
	}

	wantKinds := []LineKind{KindStart, KindEntry, KindEntry, KindTotal, KindFinish}
	if len(got) != len(wantKinds) {
		t.Fatalf("got %d lines (%v), want %d", len(got), got, len(wantKinds))
	}
	for i, k := range wantKinds {
		if got[i].kind != k {
			t.Errorf("line %d kind = %q, want %q", i, got[i].kind, k)
		}
	}
	if !strings.Contains(got[0].text, "previous size 2.0 kB") {
		t.Errorf("start line = %q", got[0].text)
	}
	if r.name != "tar" {
		t.Errorf("command = %q, want tar", r.name)
	}
	if tar.LastLine() != "user" {
		t.Errorf("last line = %q", tar.LastLine())
	}
}

func TestCompressFailure(t *testing.T) {
	r := &scriptRunner{
		lines: []streamLine{{privileged.Stderr, "tar: com.example.app: Cannot open: Permission denied"}},
		err:   &privileged.CommandError{Name: "tar", ExitCode: 2},
	}
	tar := NewTar(r, AlgorithmNone, testLogger())

	var kinds []LineKind
	ok := tar.Compress(context.Background(), Request{Category: model.CategorySharedData, PackageID: "com.example.app"}, func(k LineKind, _ string) {
		kinds = append(kinds, k)
	})
	if ok {
		t.Fatal("compress should fail on non-zero exit")
	}
	if kinds[len(kinds)-1] != KindError {
		t.Errorf("last kind = %q, want error", kinds[len(kinds)-1])
	}
	if !strings.Contains(tar.LastLine(), "exit status 2") {
		t.Errorf("last line = %q", tar.LastLine())
	}
}

func TestDecompressFailureNeverPanicsWithNilSink(t *testing.T) {
	r := &scriptRunner{err: errors.New("boom")}
	tar := NewTar(r, AlgorithmLZ4, testLogger())
	if tar.Decompress(context.Background(), Request{Category: model.CategoryUserData}, nil) {
		t.Error("decompress should fail")
	}
}

func TestCompressArgs(t *testing.T) {
	req := Request{
		Category:  model.CategoryUserData,
		PackageID: "com.example.app",
		SourceDir: "/data/user/0",
		Members:   []string{"com.example.app"},
	}

	native := strings.Join(compressArgs(req, "/out/user.tar.zst", AlgorithmZstd), " ")
	wantNative := "--totals --sparse --acls --xattrs --use-compress-program=zstd -T0 -q -cpvf /out/user.tar.zst " +
		"--exclude=com.example.app/cache --exclude=com.example.app/code_cache --exclude=com.example.app/.ota " +
		"-C /data/user/0 com.example.app"
	if native != wantNative {
		t.Errorf("native args:\n got %s\nwant %s", native, wantNative)
	}

	req.Compatible = true
	compat := strings.Join(compressArgs(req, "/out/user.tar", AlgorithmNone), " ")
	if strings.Contains(compat, "--sparse") || strings.Contains(compat, "--use-compress-program") {
		t.Errorf("compatible args contain native flags: %s", compat)
	}

	apk := Request{
		Category:  model.CategoryPackage,
		PackageID: "com.example.app",
		SourceDir: "/data/app/x",
		Members:   []string{"base.apk", "split.apk"},
	}
	apkArgs := strings.Join(compressArgs(apk, "/out/apk.tar.lz4", AlgorithmLZ4), " ")
	if strings.Contains(apkArgs, "--exclude") {
		t.Errorf("package archive should not exclude cache dirs: %s", apkArgs)
	}
	if !strings.HasSuffix(apkArgs, "-C /data/app/x base.apk split.apk") {
		t.Errorf("apk args = %s", apkArgs)
	}
}

func TestDecompressArgs(t *testing.T) {
	req := Request{Category: model.CategoryAuxiliaryStorage, SourceDir: "/data/media/0/Android/obb", Compatible: true}
	got := strings.Join(decompressArgs(req, "/in/obb.tar.gz", AlgorithmGzip), " ")
	want := "--totals --use-compress-program=gzip -xpvf /in/obb.tar.gz -C /data/media/0/Android/obb"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestArchiveName(t *testing.T) {
	tests := []struct {
		cat  model.Category
		algo Algorithm
		want string
	}{
		{model.CategoryPackage, AlgorithmZstd, "apk.tar.zst"},
		{model.CategoryDeviceUserData, AlgorithmNone, "user_de.tar"},
		{model.CategoryAuxiliaryStorage, AlgorithmLZ4, "obb.tar.lz4"},
		{model.CategorySharedData, AlgorithmGzip, "data.tar.gz"},
	}
	for _, tt := range tests {
		if got := ArchiveName(tt.cat, tt.algo); got != tt.want {
			t.Errorf("ArchiveName(%q, %q) = %q, want %q", tt.cat, tt.algo, got, tt.want)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm(" ZSTD ")
	if err != nil || a != AlgorithmZstd {
		t.Errorf("ParseAlgorithm = %q, %v", a, err)
	}
	if _, err := ParseAlgorithm("xz"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukerupert/pkgvault/internal/model"
)

// LineKind classifies one line of archiver output.
type LineKind string

const (
	KindStart  LineKind = "start"
	KindEntry  LineKind = "entry"
	KindTotal  LineKind = "total"
	KindError  LineKind = "error"
	KindFinish LineKind = "finish"
)

// LineFunc receives every line the archiver emits.
type LineFunc func(kind LineKind, text string)

// Request describes one (category, source) archive operation.
type Request struct {
	Category  model.Category
	PackageID string
	// OutputDir holds the archive file. For Decompress it is read from.
	OutputDir string
	// SourceDir is the root the members are relative to. For Decompress it is
	// the extraction target.
	SourceDir string
	Members   []string
	// PreviousSize is the size recorded by the last successful run, shown while working.
	PreviousSize string
	// Compatible selects the slower, more portable archiving mode.
	Compatible bool
}

// Compressor archives and extracts category data. Failures are reported as
// false; the last emitted line carries the reason.
type Compressor interface {
	Compress(ctx context.Context, req Request, onLine LineFunc) bool
	Decompress(ctx context.Context, req Request, onLine LineFunc) bool
}

// Algorithm is the compression applied on top of the tar stream.
type Algorithm string

const (
	AlgorithmNone Algorithm = "tar"
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmLZ4  Algorithm = "lz4"
	AlgorithmGzip Algorithm = "gzip"
)

var algorithms = map[Algorithm]struct {
	ext     string
	program string
}{
	AlgorithmNone: {ext: ".tar"},
	AlgorithmZstd: {ext: ".tar.zst", program: "zstd -T0 -q"},
	AlgorithmLZ4:  {ext: ".tar.lz4", program: "lz4 -q"},
	AlgorithmGzip: {ext: ".tar.gz", program: "gzip"},
}

// ParseAlgorithm converts a configuration value into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := algorithms[a]; !ok {
		return "", fmt.Errorf("unknown compression type %q", s)
	}
	return a, nil
}

// ArchiveName returns the archive file name for a category.
func ArchiveName(c model.Category, a Algorithm) string {
	return string(c) + algorithms[a].ext
}

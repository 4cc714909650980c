package logging

import (
	"context"
	"log/slog"
)

// ActionLog is the append-only sink for the per-run action log.
type ActionLog interface {
	AddLine(ctx context.Context, tag, line string)
}

// SlogActionLog writes action lines to a slog.Logger at info level.
type SlogActionLog struct {
	logger *slog.Logger
}

// NewSlogActionLog wraps logger as an ActionLog.
func NewSlogActionLog(logger *slog.Logger) *SlogActionLog {
	return &SlogActionLog{logger: logger}
}

func (a *SlogActionLog) AddLine(ctx context.Context, tag, line string) {
	a.logger.InfoContext(ctx, line, "tag", tag)
}

// Tee fans each line out to every non-nil sink.
func Tee(sinks ...ActionLog) ActionLog {
	var out tee
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type tee []ActionLog

func (t tee) AddLine(ctx context.Context, tag, line string) {
	for _, s := range t {
		s.AddLine(ctx, tag, line)
	}
}

// Discard drops every line.
var Discard ActionLog = tee(nil)

type runIDKey struct{}

// WithRunID tags ctx with the batch run id persisted alongside action lines.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id set by WithRunID, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

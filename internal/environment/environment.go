package environment

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukerupert/pkgvault/internal/privileged"
)

// Setting names one system setting that archiving may disturb.
type Setting struct {
	Namespace string
	Key       string
}

var (
	DefaultInputMethod    = Setting{Namespace: "secure", Key: "default_input_method"}
	AccessibilityServices = Setting{Namespace: "secure", Key: "enabled_accessibility_services"}
)

// Captured is one setting's value before the batch. OK is false when the
// value could not be read, in which case it is never written back.
type Captured struct {
	Setting Setting
	OK      bool
	Value   string
}

// Snapshot is everything captured at the start of a batch.
type Snapshot []Captured

// Adjuster captures settings before a batch and puts them back afterwards.
type Adjuster interface {
	Capture(ctx context.Context) Snapshot
	Restore(ctx context.Context, snap Snapshot)
}

// Settings reads and writes Android settings through the privileged channel.
type Settings struct {
	runner   privileged.Runner
	settings []Setting
	logger   *slog.Logger
}

// NewSettings creates an Adjuster guarding the input method and accessibility services.
func NewSettings(r privileged.Runner, logger *slog.Logger) *Settings {
	return &Settings{
		runner:   r,
		settings: []Setting{DefaultInputMethod, AccessibilityServices},
		logger:   logger,
	}
}

func (s *Settings) get(ctx context.Context, st Setting) (string, bool) {
	out, err := s.runner.Output(ctx, "settings", "get", st.Namespace, st.Key)
	if err != nil {
		s.logger.Warn("read setting", "key", st.Key, "error", err)
		return "", false
	}
	v := strings.TrimSpace(string(out))
	if v == "" || v == "null" {
		return "", false
	}
	return v, true
}

func (s *Settings) Capture(ctx context.Context) Snapshot {
	snap := make(Snapshot, 0, len(s.settings))
	for _, st := range s.settings {
		v, ok := s.get(ctx, st)
		snap = append(snap, Captured{Setting: st, OK: ok, Value: v})
	}
	return snap
}

func (s *Settings) Restore(ctx context.Context, snap Snapshot) {
	for _, c := range snap {
		if !c.OK {
			continue
		}
		if current, ok := s.get(ctx, c.Setting); ok && current == c.Value {
			continue
		}
		if _, err := s.runner.Output(ctx, "settings", "put", c.Setting.Namespace, c.Setting.Key, c.Value); err != nil {
			s.logger.Warn("restore setting", "key", c.Setting.Key, "error", err)
			continue
		}
		s.logger.Info("restored setting", "key", c.Setting.Key)
	}
}

// Noop is an Adjuster for hosts without adjustable settings.
type Noop struct{}

func (Noop) Capture(context.Context) Snapshot { return nil }

func (Noop) Restore(context.Context, Snapshot) {}

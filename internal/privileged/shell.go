package privileged

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Shell implements Gateway by issuing commands through a Runner.
type Shell struct {
	runner Runner
	// RequireRoot makes Check fail unless the channel runs as uid 0.
	RequireRoot bool
}

// NewShell creates a Gateway backed by r.
func NewShell(r Runner, requireRoot bool) *Shell {
	return &Shell{runner: r, RequireRoot: requireRoot}
}

func (s *Shell) Check(ctx context.Context) error {
	out, err := s.runner.Output(ctx, "id", "-u")
	if err != nil {
		return &PrivilegeError{Op: "check", Err: err, Unavailable: true}
	}
	uid := strings.TrimSpace(string(out))
	if s.RequireRoot && uid != "0" {
		return &PrivilegeError{Op: "check", Err: fmt.Errorf("channel runs as uid %s, want 0", uid), Unavailable: true}
	}
	return nil
}

func (s *Shell) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.runner.Output(ctx, "test", "-e", path)
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, fail("exists", path, err)
}

func (s *Shell) SetSuspended(ctx context.Context, packageID string, userID int, suspended bool) error {
	verb := "unsuspend"
	if suspended {
		verb = "suspend"
	}
	if _, err := s.runner.Output(ctx, "pm", verb, "--user", strconv.Itoa(userID), packageID); err != nil {
		return fail(verb, packageID, err)
	}
	return nil
}

func (s *Shell) CountSize(ctx context.Context, path, pattern string) (int64, error) {
	if pattern == "" {
		out, err := s.runner.Output(ctx, "find", path, "-type", "f", "-printf", "%s\n")
		if err != nil {
			return 0, fail("count size", path, err)
		}
		return sumSizes(out, nil)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("count size pattern %q: %w", pattern, err)
	}
	out, err := s.runner.Output(ctx, "find", path, "-maxdepth", "1", "-type", "f", "-printf", "%s %f\n")
	if err != nil {
		return 0, fail("count size", path, err)
	}
	return sumSizes(out, re)
}

func (s *Shell) ListPackageFilePaths(ctx context.Context, packageID string, userID int) ([]string, error) {
	out, err := s.runner.Output(ctx, "pm", "path", "--user", strconv.Itoa(userID), packageID)
	if err != nil {
		return nil, fail("list package paths", packageID, err)
	}
	return parsePackagePaths(out), nil
}

func (s *Shell) ListFiles(ctx context.Context, dir, pattern string) ([]string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("list files pattern %q: %w", pattern, err)
		}
	}
	out, err := s.runner.Output(ctx, "find", dir, "-maxdepth", "1", "-type", "f", "-printf", "%f\n")
	if err != nil {
		return nil, fail("list files", dir, err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || (re != nil && !re.MatchString(name)) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Shell) WriteBytes(ctx context.Context, path string, data []byte) error {
	if err := s.MakeDir(ctx, filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := s.runner.Input(ctx, bytes.NewReader(data), "tee", tmp); err != nil {
		return fail("write", path, err)
	}
	if _, err := s.runner.Output(ctx, "mv", "-f", tmp, path); err != nil {
		_, _ = s.runner.Output(ctx, "rm", "-f", tmp)
		return fail("write", path, err)
	}
	return nil
}

// ReadFile streams the contents of path to w.
func (s *Shell) ReadFile(ctx context.Context, path string, w io.Writer) error {
	if err := s.runner.Copy(ctx, w, "cat", path); err != nil {
		return fail("read", path, err)
	}
	return nil
}

func (s *Shell) MakeDir(ctx context.Context, path string) error {
	if _, err := s.runner.Output(ctx, "mkdir", "-p", path); err != nil {
		return fail("mkdir", path, err)
	}
	return nil
}

func (s *Shell) Remove(ctx context.Context, path string) error {
	if _, err := s.runner.Output(ctx, "rm", "-rf", path); err != nil {
		return fail("remove", path, err)
	}
	return nil
}

func (s *Shell) PackageInfo(ctx context.Context, packageID string, userID int) (PackageInfo, error) {
	out, err := s.runner.Output(ctx, "dumpsys", "package", packageID)
	if err != nil {
		return PackageInfo{}, fail("package info", packageID, err)
	}
	info, err := parseDumpsys(packageID, out)
	if err != nil {
		return PackageInfo{}, err
	}
	info.UID = userID*100000 + info.UID
	return info, nil
}

var sessionPattern = regexp.MustCompile(`\[(\d+)\]`)

func (s *Shell) InstallPackage(ctx context.Context, apkPaths []string, userID int) error {
	if len(apkPaths) == 0 {
		return errors.New("install: no package files")
	}

	out, err := s.runner.Output(ctx, "pm", "install-create", "-r", "-t", "--user", strconv.Itoa(userID))
	if err != nil {
		return fail("install-create", apkPaths[0], err)
	}
	m := sessionPattern.FindStringSubmatch(string(out))
	if len(m) < 2 {
		return &PrivilegeError{Op: "install-create", Path: apkPaths[0], Err: fmt.Errorf("unexpected output %q", strings.TrimSpace(string(out)))}
	}
	session := m[1]

	for i, p := range apkPaths {
		if _, err := s.runner.Output(ctx, "pm", "install-write", session, fmt.Sprintf("%d.apk", i), p); err != nil {
			_, _ = s.runner.Output(ctx, "pm", "install-abandon", session)
			return fail("install-write", p, err)
		}
	}

	out, err = s.runner.Output(ctx, "pm", "install-commit", session)
	if err != nil {
		return fail("install-commit", apkPaths[0], err)
	}
	if !strings.Contains(string(out), "Success") {
		return &PrivilegeError{Op: "install-commit", Path: apkPaths[0], Err: fmt.Errorf("%s", strings.TrimSpace(string(out)))}
	}
	return nil
}

func (s *Shell) RestoreOwnership(ctx context.Context, path string, uid int, chown bool) error {
	if chown {
		owner := fmt.Sprintf("%d:%d", uid, uid)
		if _, err := s.runner.Output(ctx, "chown", "-hR", owner, path); err != nil {
			return fail("chown", path, err)
		}
	}
	if _, err := s.runner.Output(ctx, "restorecon", "-RF", path); err != nil {
		return fail("restorecon", path, err)
	}
	return nil
}

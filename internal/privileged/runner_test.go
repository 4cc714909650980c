package privileged

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestExecRunnerStream(t *testing.T) {
	r := &ExecRunner{}

	var mu sync.Mutex
	var stdout, stderr []string
	err := r.Stream(context.Background(), func(s Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if s == Stderr {
			stderr = append(stderr, line)
		} else {
			stdout = append(stdout, line)
		}
	}, "sh", "-c", "echo one; echo two; echo oops >&2; exit 3")

	if ExitCode(err) != 3 {
		t.Fatalf("exit code = %d (err %v), want 3", ExitCode(err), err)
	}
	if strings.Join(stdout, ",") != "one,two" {
		t.Errorf("stdout = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Errorf("stderr = %v", stderr)
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Stderr != "oops" {
		t.Errorf("command error stderr = %q", ce.Stderr)
	}
}

func TestExecRunnerCopy(t *testing.T) {
	r := &ExecRunner{}

	var buf strings.Builder
	if err := r.Copy(context.Background(), &buf, "sh", "-c", "printf 'abc'; echo ignored >&2"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if buf.String() != "abc" {
		t.Errorf("stdout = %q, want %q", buf.String(), "abc")
	}

	err := r.Copy(context.Background(), &buf, "sh", "-c", "echo denied >&2; exit 1")
	var ce *CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 1 || ce.Stderr != "denied" {
		t.Errorf("err = %v, want exit 1 with stderr", err)
	}
}

func TestExecRunnerShellWrapper(t *testing.T) {
	r := &ExecRunner{Shell: []string{"sh", "-c"}}
	out, err := r.Output(context.Background(), "echo", "a b", "c")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "a b c" {
		t.Errorf("out = %q", out)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := &ExecRunner{}
	_, err := r.Output(context.Background(), "pkgvault-definitely-missing-binary")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

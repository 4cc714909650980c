package privileged

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Stream identifies which output of a command a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives one line of command output.
type LineFunc func(s Stream, line string)

// Runner is the privileged command channel. Implementations must be safe for
// concurrent use; every call runs its own command.
type Runner interface {
	// Output runs a command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Input runs a command with stdin read from r.
	Input(ctx context.Context, r io.Reader, name string, args ...string) error
	// Copy runs a command and writes its stdout to w.
	Copy(ctx context.Context, w io.Writer, name string, args ...string) error
	// Stream runs a command and calls onLine for every stdout and stderr line
	// until the command exits.
	Stream(ctx context.Context, onLine LineFunc, name string, args ...string) error
}

// CommandError is returned when a command ran but exited non-zero.
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Name, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Name, e.ExitCode)
}

// ExitCode returns the exit code carried by err, or -1 if err is not a CommandError.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// ExecRunner runs commands on the local host. When Shell is set (for example
// []string{"su", "-c"}) the command line is quoted into a single argument
// appended to Shell.
type ExecRunner struct {
	Shell []string
}

func (r *ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if len(r.Shell) == 0 {
		return exec.CommandContext(ctx, name, args...)
	}
	line := QuoteCommand(name, args...)
	shellArgs := append(append([]string{}, r.Shell[1:]...), line)
	return exec.CommandContext(ctx, r.Shell[0], shellArgs...)
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := r.command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, r.wrap(name, err, stderr.String())
	}
	return out, nil
}

func (r *ExecRunner) Input(ctx context.Context, in io.Reader, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdin = in
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return r.wrap(name, err, stderr.String())
	}
	return nil
}

func (r *ExecRunner) Copy(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return r.wrap(name, err, stderr.String())
	}
	return nil
}

func (r *ExecRunner) Stream(ctx context.Context, onLine LineFunc, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return r.wrap(name, err, "")
	}

	// onLine is called from two scanners; serialize so callers see one line at a time.
	var mu sync.Mutex
	var lastErr string
	emit := func(s Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if s == Stderr {
			lastErr = line
		}
		if onLine != nil {
			onLine(s, line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, Stderr, emit)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return r.wrap(name, err, lastErr)
	}
	return nil
}

func (r *ExecRunner) wrap(name string, err error, stderr string) error {
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return &CommandError{Name: name, ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr)}
	case errors.Is(err, exec.ErrNotFound):
		return &PrivilegeError{Op: "exec", Path: name, Err: err, Unavailable: true}
	default:
		return err
	}
}

func scanLines(r io.Reader, s Stream, emit func(Stream, string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(s, scanner.Text())
	}
}

// QuoteCommand joins name and args into a single POSIX shell command line.
func QuoteCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' || r == ',' || r == '+' || r == '%' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package privileged

import (
	"errors"
	"fmt"
)

// ErrUnavailable matches any PrivilegeError raised because the privileged
// channel itself could not be reached.
var ErrUnavailable = errors.New("privileged channel unavailable")

// ErrPackageNotFound is returned by PackageInfo when the package is not installed.
var ErrPackageNotFound = errors.New("package not found")

// ErrNoAppID is returned by PackageInfo when the package dump names no app id.
var ErrNoAppID = errors.New("package dump has no app id")

// PrivilegeError reports a failed operation on the privileged channel.
type PrivilegeError struct {
	Op          string
	Path        string
	Err         error
	Unavailable bool
}

func (e *PrivilegeError) Error() string {
	msg := "privileged " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Unavailable {
		msg += " (channel unavailable)"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

func (e *PrivilegeError) Is(target error) bool {
	return target == ErrUnavailable && e.Unavailable
}

func fail(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PrivilegeError
	if errors.As(err, &pe) {
		if pe.Op == "exec" {
			return &PrivilegeError{Op: op, Path: path, Err: pe.Err, Unavailable: pe.Unavailable}
		}
		return err
	}
	return &PrivilegeError{Op: op, Path: path, Err: err}
}

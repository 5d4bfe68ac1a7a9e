package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ahagelberg/Terminalis-sub001/internal/conn"
	"github.com/ahagelberg/Terminalis-sub001/internal/store"
)

const (
	ExitCodeSuccess           = 0
	ExitCodeGeneric           = 1
	ExitCodeUsage             = 2
	ExitCodeNotFound          = 3
	ExitCodePermission        = 4
	ExitCodeAuthFailed        = 5
	ExitCodeDependencyMissing = 6
	ExitCodeIO                = 7
)

// ExitError carries the process exit code a command failure maps to.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

// mapCommandError assigns an exit code from the failure taxonomy. An
// error that already carries one passes through unchanged.
func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	if errors.Is(err, store.ErrNotFound) {
		return asExitError(ExitCodeNotFound, err)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}

	var ce *conn.ConnError
	if errors.As(err, &ce) {
		switch ce.Category {
		case conn.CategoryConfigurationInvalid:
			return asExitError(ExitCodeUsage, err)
		case conn.CategoryAuthenticationFailed:
			return asExitError(ExitCodeAuthFailed, err)
		case conn.CategoryHostKeyRejected:
			return asExitError(ExitCodePermission, err)
		case conn.CategoryKeyFileNotFound:
			return asExitError(ExitCodeIO, err)
		case conn.CategoryToolUnavailable:
			return asExitError(ExitCodeDependencyMissing, err)
		}
	}

	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}

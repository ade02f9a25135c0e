package filesystem

import (
	"fmt"

	"emperror.dev/errors"
	"github.com/apex/log"
)

type ErrorCode string

const (
	ErrCodeIsDirectory    ErrorCode = "E_ISDIR"
	ErrCodeNotDirectory   ErrorCode = "E_NOTDIR"
	ErrCodeDiskSpace      ErrorCode = "E_NODISK"
	ErrCodeInvalidPath    ErrorCode = "E_BADPATH"
	ErrCodePathResolution ErrorCode = "E_BADPATHRES"
	ErrCodeDenylistFile   ErrorCode = "E_DENYLIST"
	ErrCodeUnknownError   ErrorCode = "E_UNKNOWN"
)

type Error struct {
	code ErrorCode
	// Underlying error that triggered this one, if there is any.
	err error
	// The path requested by the caller, as it was provided.
	path string
	// The absolute location the requested path resolved to, when relevant
	// for the error being returned.
	resolved string
}

// newFilesystemError returns a new error instance with a stack trace associated
// with it.
func newFilesystemError(code ErrorCode, err error) error {
	return errors.WithStackDepth(&Error{code: code, err: err}, 1)
}

// Code returns the ErrorCode for this specific error instance.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Returns a human-readable error string to identify the Error by.
func (e *Error) Error() string {
	switch e.code {
	case ErrCodeIsDirectory:
		return "filesystem: is a directory"
	case ErrCodeNotDirectory:
		return "filesystem: not a directory"
	case ErrCodeDiskSpace:
		return "filesystem: not enough disk space"
	case ErrCodeInvalidPath:
		return "filesystem: invalid path provided"
	case ErrCodeDenylistFile:
		r := e.resolved
		if r == "" {
			r = "<empty>"
		}
		return fmt.Sprintf("filesystem: access to path [%s] is blocked by the denylist: %s", e.path, r)
	case ErrCodePathResolution:
		r := e.resolved
		if r == "" {
			r = "<empty>"
		}
		return fmt.Sprintf("filesystem: path [%s] resolves to a location outside the root directory: %s", e.path, r)
	}
	return "filesystem: unhandled error type"
}

// Unwrap returns the underlying cause of this error, if there is one.
func (e *Error) Unwrap() error {
	return e.err
}

// IsErrorCode checks if the given error is a filesystem Error carrying the
// expected code, even when the error has been wrapped further up the stack.
func IsErrorCode(err error, code ErrorCode) bool {
	fserr := &Error{}
	if errors.As(err, &fserr) {
		return fserr.code == code
	}
	return false
}

// NewBadPathResolution returns a new BadPathResolution error carrying both the
// requested path and the location it resolved to.
func NewBadPathResolution(path string, resolved string) error {
	return errors.WithStackDepth(&Error{code: ErrCodePathResolution, path: path, resolved: resolved}, 1)
}

// Generates an error logger instance with some basic information.
func (fs *Filesystem) error(err error) *log.Entry {
	return log.WithField("subsystem", "filesystem").WithField("root", fs.root).WithField("error", err)
}

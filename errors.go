package ext4

import (
	"errors"
	"fmt"
)

// ErrCode is a POSIX-style errno carried by every error the engine returns.
type ErrCode int

const (
	EPERM        ErrCode = 1
	ENOENT       ErrCode = 2
	EIO          ErrCode = 5
	EEXIST       ErrCode = 17
	ENOTDIR      ErrCode = 20
	EISDIR       ErrCode = 21
	EINVAL       ErrCode = 22
	EFBIG        ErrCode = 27
	ENOSPC       ErrCode = 28
	ENAMETOOLONG ErrCode = 36
	ENOTEMPTY    ErrCode = 39
	ENODATA      ErrCode = 61
)

func (c ErrCode) String() string {
	switch c {
	case EPERM:
		return "operation not permitted"
	case ENOENT:
		return "no such file or directory"
	case EIO:
		return "input/output error"
	case EEXIST:
		return "file exists"
	case ENOTDIR:
		return "not a directory"
	case EISDIR:
		return "is a directory"
	case EINVAL:
		return "invalid argument"
	case EFBIG:
		return "file too large"
	case ENOSPC:
		return "no space left on device"
	case ENAMETOOLONG:
		return "file name too long"
	case ENOTEMPTY:
		return "directory not empty"
	case ENODATA:
		return "no data available"
	default:
		return fmt.Sprintf("errno %d", int(c))
	}
}

// Ext4Error pairs an ErrCode with the operation that produced it and an
// optional underlying cause. Expected failures (missing names, full volumes,
// device faults) always travel as *Ext4Error; panics are reserved for
// engine bugs.
type Ext4Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Ext4Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ext4: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("ext4: %s: %s", e.Op, e.Code)
}

func (e *Ext4Error) Unwrap() error {
	return e.Err
}

// Is matches any *Ext4Error carrying the same code, so callers can compare
// against a bare code error without caring about the op context.
func (e *Ext4Error) Is(target error) bool {
	var other *Ext4Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// errOf builds an *Ext4Error for the given operation.
func errOf(code ErrCode, op string) *Ext4Error {
	return &Ext4Error{Code: code, Op: op}
}

// errWrap attaches an underlying cause. The cause's own code, if any, is
// preserved through Unwrap so errors.Is still finds it.
func errWrap(code ErrCode, op string, err error) *Ext4Error {
	return &Ext4Error{Code: code, Op: op, Err: err}
}

// errIO wraps a device failure. Device errors are surfaced immediately and
// never retried by the engine.
func errIO(op string, err error) *Ext4Error {
	return &Ext4Error{Code: EIO, Op: op, Err: err}
}

// CodeOf extracts the ErrCode from an error chain, or 0 if the chain holds
// no *Ext4Error.
func CodeOf(err error) ErrCode {
	var e *Ext4Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrCode) bool {
	return CodeOf(err) == code
}

//go:build windows

package pipeline

import (
	"errors"
	"io/fs"
	"syscall"
)

// Win32 error codes not exported by package syscall.
const (
	errorNotSameDevice    syscall.Errno = 17
	errorSharingViolation syscall.Errno = 32
	errorLockViolation    syscall.Errno = 33
)

// isLocked reports whether err means the file is still in use by its writer.
// OBS holds an exclusive handle until the output is finalized.
func isLocked(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, errorSharingViolation) ||
		errors.Is(err, errorLockViolation)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, errorNotSameDevice)
}

//go:build !windows

package pipeline

import (
	"errors"
	"syscall"
)

// isLocked reports whether err means the file is still in use by its writer.
// rename(2) ignores open handles here, so permission errors are permanent.
func isLocked(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

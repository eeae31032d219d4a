//go:build windows

package pipeline

var errLocked error = errorSharingViolation

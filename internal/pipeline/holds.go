package pipeline

import (
	"context"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessHolds checks open file tables of running processes.
type ProcessHolds struct {
	// Self is excluded from the scan; zero means the current process is
	// scanned like any other.
	Self int32
}

// Held reports whether any process other than Self has path open.
// Processes whose file tables cannot be read are skipped.
func (h ProcessHolds) Held(ctx context.Context, path string) (bool, error) {
	want, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, proc := range procs {
		if proc.Pid == h.Self {
			continue
		}
		files, err := proc.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.Path == want {
				return true, nil
			}
		}
	}
	return false, nil
}

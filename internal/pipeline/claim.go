package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/fakeyudi/fightrec/internal/jobs"
)

// Claim moves the job's sources to their destinations. A missing source is
// skipped. A source still locked by its writer is retried every
// RetryInterval until the move succeeds or ctx ends.
func (p *Pipeline) Claim(ctx context.Context, j jobs.Job) error {
	if err := os.MkdirAll(j.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	pairs := []struct{ src, dst string }{
		{j.ReplaySource, j.ReplayPath()},
		{j.RecordingSource, j.RecordingPath()},
	}
	for _, pair := range pairs {
		if err := p.claimOne(ctx, pair.src, pair.dst); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) claimOne(ctx context.Context, src, dst string) error {
	if src == "" {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("source file missing, skipping", "path", src)
			return nil
		}
		return fmt.Errorf("checking %s: %w", src, err)
	}

	if err := p.waitForRelease(ctx, src); err != nil {
		return err
	}

	for {
		err := p.opts.Rename(src, dst)
		if err == nil {
			p.log.Debug("moved", "from", src, "to", dst)
			return nil
		}
		if !isLocked(err) {
			return fmt.Errorf("moving %s: %w", src, err)
		}
		p.log.Info("source still locked, retrying", "path", src, "in", p.opts.RetryInterval)
		if err := p.opts.Sleep(ctx, p.opts.RetryInterval); err != nil {
			return fmt.Errorf("moving %s: %w", src, err)
		}
	}
}

// waitForRelease blocks while another process holds path open. Checker
// failures are logged and treated as released.
func (p *Pipeline) waitForRelease(ctx context.Context, path string) error {
	if p.opts.Holds == nil {
		return nil
	}
	for {
		held, err := p.opts.Holds.Held(ctx, path)
		if err != nil {
			p.log.Debug("open file check failed", "path", path, "err", err)
			return nil
		}
		if !held {
			return nil
		}
		p.log.Info("source still open by writer, waiting", "path", path)
		if err := p.opts.Sleep(ctx, p.opts.RetryInterval); err != nil {
			return fmt.Errorf("waiting for %s: %w", path, err)
		}
	}
}

// moveFile renames oldpath to newpath, copying across filesystems.
func moveFile(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if err == nil || !isCrossDevice(err) {
		return err
	}
	if err := copyFile(oldpath, newpath); err != nil {
		os.Remove(newpath)
		return err
	}
	return os.Remove(oldpath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

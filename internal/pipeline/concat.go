package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/fakeyudi/fightrec/internal/jobs"
)

// ErrMissingInput is returned when a file to concatenate does not exist.
var ErrMissingInput = errors.New("input file missing")

// ToolError is returned when the concatenation tool exits unsuccessfully.
type ToolError struct {
	Tool     string
	ExitCode int // -1 when the tool did not run
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Tool)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Concatenate joins the job's replay and recording into its concatenated
// output. Both inputs must exist. On failure the partial output is removed
// and the inputs are kept; on success the inputs are deleted when
// DeleteOriginals is set.
func (p *Pipeline) Concatenate(ctx context.Context, j jobs.Job) error {
	inputs := []string{j.ReplayPath(), j.RecordingPath()}
	if err := p.concat(ctx, j.ConcatenatedPath(), inputs); err != nil {
		return err
	}
	if p.opts.DeleteOriginals {
		return removeAll(inputs)
	}
	return nil
}

// ConcatenateFiles joins arbitrary clips into out in the given order without
// touching the inputs.
func (p *Pipeline) ConcatenateFiles(ctx context.Context, out string, inputs []string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("nothing to concatenate")
	}
	return p.concat(ctx, out, inputs)
}

func (p *Pipeline) concat(ctx context.Context, out string, inputs []string) error {
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrMissingInput, in)
			}
			return fmt.Errorf("checking %s: %w", in, err)
		}
	}

	manifest, err := writeManifest(filepath.Dir(out), inputs)
	if err != nil {
		return err
	}
	defer os.Remove(manifest)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", manifest,
		"-c", "copy", out,
	}
	p.log.Debug("running concatenation", "tool", p.opts.Tool, "out", out, "inputs", len(inputs))
	stderr, err := p.opts.Runner(ctx, p.opts.Tool, args...)
	if err != nil {
		os.Remove(out)
		return &ToolError{Tool: p.opts.Tool, ExitCode: exitCode(err), Stderr: stderr, Err: err}
	}
	return nil
}

// Manifest renders the concat demuxer input list for paths.
func Manifest(paths []string) string {
	var b strings.Builder
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func writeManifest(dir string, paths []string) (string, error) {
	f, err := os.CreateTemp(dir, ".concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("writing concat manifest: %w", err)
	}
	if _, err := f.WriteString(Manifest(paths)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing concat manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing concat manifest: %w", err)
	}
	return f.Name(), nil
}

// exitCode returns the process exit code for err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func removeAll(paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("deleting %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

var stampPattern = regexp.MustCompile(`\d{8}-\d{6}`)

// SortByTimestamp orders clips by the session timestamp in their file names.
// Names without one sort first, keeping their relative order.
func SortByTimestamp(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.SliceStable(out, func(i, j int) bool {
		return stampPattern.FindString(filepath.Base(out[i])) < stampPattern.FindString(filepath.Base(out[j]))
	})
	return out
}

// CombinedName returns the output path for a manual batch: the first clip's
// name with an "_etc" suffix.
func CombinedName(first string) string {
	ext := filepath.Ext(first)
	if ext == "" {
		ext = jobs.DefaultExt
	}
	base := strings.TrimSuffix(filepath.Base(first), filepath.Ext(first))
	return filepath.Join(filepath.Dir(first), base+"_etc"+ext)
}

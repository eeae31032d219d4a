// Package pipeline moves finished recording artifacts into the output
// directory and joins them with an external stream-copy concatenation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/status"
)

// DefaultRetryInterval is how long a locked source waits between move attempts.
const DefaultRetryInterval = 10 * time.Second

// DefaultTool is the concatenation tool looked up on PATH.
const DefaultTool = "ffmpeg"

// Runner executes the concatenation tool and returns its stderr.
type Runner func(ctx context.Context, name string, args ...string) (stderr string, err error)

// defaultRunner runs the tool as a real subprocess.
func defaultRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// HoldChecker reports whether some process still has path open.
type HoldChecker interface {
	Held(ctx context.Context, path string) (bool, error)
}

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	AutoConcatenate bool
	DeleteOriginals bool
	Tool            string
	RetryInterval   time.Duration

	// Queue receives jobs when AutoConcatenate is off.
	Queue jobs.Store
	// Holds, when set, delays the move until the writer lets go of the file.
	Holds HoldChecker

	// Test seams; nil selects the real subprocess, file move and timer.
	Runner Runner
	Rename func(oldpath, newpath string) error
	Sleep  func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Pipeline runs processing jobs in the background.
type Pipeline struct {
	opts Options
	sink status.Sink
	log  *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New returns a pipeline and reports it ready on sink.
func New(opts Options, sink status.Sink) *Pipeline {
	if opts.Tool == "" {
		opts.Tool = DefaultTool
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Runner == nil {
		opts.Runner = defaultRunner
	}
	if opts.Rename == nil {
		opts.Rename = moveFile
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if sink == nil {
		sink = status.Discard
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{opts: opts, sink: sink, log: log}
	p.report(status.Ready, "", nil)
	return p
}

// CheckTool resolves the concatenation tool on PATH.
func (p *Pipeline) CheckTool() (string, error) {
	path, err := exec.LookPath(p.opts.Tool)
	if err != nil {
		return "", fmt.Errorf("concatenation tool %q not found: %w", p.opts.Tool, err)
	}
	return path, nil
}

// Submit runs j on its own goroutine and returns immediately. Cancelling ctx
// does not abort the job.
func (p *Pipeline) Submit(ctx context.Context, j jobs.Job) {
	ctx = context.WithoutCancel(ctx)
	p.inFlight.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Add(-1)
		p.run(ctx, j)
	}()
}

// Wait blocks until every submitted job has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// InFlight returns the number of jobs still running.
func (p *Pipeline) InFlight() int {
	return int(p.inFlight.Load())
}

func (p *Pipeline) run(ctx context.Context, j jobs.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.report(status.Error, j.ID, fmt.Errorf("processing job panicked: %v", r))
		}
	}()

	p.report(status.Started, j.ID, nil)
	p.log.Info("processing job", "job", j.ID, "base", j.BaseName)

	if err := p.Claim(ctx, j); err != nil {
		p.report(status.Error, j.ID, err)
		return
	}

	if !p.opts.AutoConcatenate {
		if p.opts.Queue != nil {
			if err := p.opts.Queue.Append(j); err != nil {
				p.report(status.Error, j.ID, fmt.Errorf("queueing job: %w", err))
				return
			}
		}
		p.report(status.Ended, j.ID, nil)
		return
	}

	if err := p.Concatenate(ctx, j); err != nil {
		p.report(status.Error, j.ID, err)
		return
	}
	p.report(status.Ended, j.ID, nil)
}

// ProcessQueue concatenates every deferred job in order. A failed job is
// reported and stays queued; the rest still run. It returns how many jobs
// completed.
func (p *Pipeline) ProcessQueue(ctx context.Context) (int, error) {
	if p.opts.Queue == nil {
		return 0, nil
	}
	queue, err := p.opts.Queue.Load()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, j := range queue {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		p.report(status.Started, j.ID, nil)
		if err := p.Concatenate(ctx, j); err != nil {
			p.report(status.Error, j.ID, err)
			continue
		}
		if err := p.opts.Queue.Remove(j.ID); err != nil {
			p.log.Warn("removing finished job from queue", "job", j.ID, "err", err)
		}
		p.report(status.Ended, j.ID, nil)
		done++
	}
	return done, nil
}

func (p *Pipeline) report(kind status.Kind, jobID string, err error) {
	p.sink.Report(status.Status{
		Source: status.Processing,
		Kind:   kind,
		Err:    err,
		JobID:  jobID,
		At:     time.Now(),
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

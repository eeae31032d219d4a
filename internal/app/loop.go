// Package app wires the log tailer, the recording controller and the
// processing pipeline into the polling loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/recorder"
	"github.com/fakeyudi/fightrec/internal/status"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = time.Second

// Poller reports whether new activity appeared since the last call.
type Poller interface {
	Poll() (bool, error)
}

// Controller is the recording state machine driven by the loop.
type Controller interface {
	Trigger(ctx context.Context) (started bool, err error)
	CheckTimeout(ctx context.Context) (*recorder.Ended, error)
}

// Submitter accepts finished sessions for processing without blocking.
type Submitter interface {
	Submit(ctx context.Context, j jobs.Job)
}

// Loop polls for activity at a fixed cadence and drives the recorder.
type Loop struct {
	Tailer     Poller
	Controller Controller
	Pipeline   Submitter
	Sink       status.Sink
	OutputDir  string
	Interval   time.Duration
	Logger     *slog.Logger

	// NewID generates job IDs. Defaults to random UUIDs.
	NewID func() string
	// Sleep waits between ticks. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration)
}

// Run reports recording ready and ticks until ctx is cancelled or a tick
// fails. Cancellation is observed between ticks, never inside one. A failed
// tick is reported and returned.
func (l *Loop) Run(ctx context.Context) error {
	l.defaults()
	l.report(status.Ready, nil)
	for {
		if err := l.safeTick(ctx); err != nil {
			l.report(status.Error, err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		l.Sleep(ctx, l.Interval)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Loop) defaults() {
	if l.Interval <= 0 {
		l.Interval = DefaultInterval
	}
	if l.Sink == nil {
		l.Sink = status.Discard
	}
	if l.Logger == nil {
		l.Logger = slog.New(slog.DiscardHandler)
	}
	if l.NewID == nil {
		l.NewID = func() string { return uuid.New().String() }
	}
	if l.Sleep == nil {
		l.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
}

func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recording loop panicked: %v", r)
		}
	}()
	// Backend calls inside a tick finish even when a stop was requested.
	return l.tick(context.WithoutCancel(ctx))
}

// tick is one iteration: poll, trigger on activity, then check the timeout.
func (l *Loop) tick(ctx context.Context) error {
	active, err := l.Tailer.Poll()
	if err != nil {
		return err
	}
	if active {
		l.Logger.Debug("combat activity detected")
		started, err := l.Controller.Trigger(ctx)
		if err != nil {
			return err
		}
		if started {
			l.report(status.Started, nil)
		}
	}

	ended, err := l.Controller.CheckTimeout(ctx)
	if err != nil {
		return err
	}
	if ended != nil {
		l.report(status.Ended, nil)
		j := NewJob(l.NewID(), *ended, l.OutputDir)
		l.Logger.Info("recording finished", "job", j.ID, "replay", ended.ReplayPath, "recording", ended.RecordingPath)
		l.Pipeline.Submit(ctx, j)
	}
	return nil
}

// NewJob derives the processing job for a finished session.
func NewJob(id string, ended recorder.Ended, outputDir string) jobs.Job {
	return jobs.New(id, ended.ReplayPath, ended.RecordingPath, outputDir, ended.BaseName, ended.EndedAt)
}

func (l *Loop) report(kind status.Kind, err error) {
	l.Sink.Report(status.Status{Source: status.Recording, Kind: kind, Err: err, At: time.Now()})
}

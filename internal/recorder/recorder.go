// Package recorder drives a recording session on a remote backend from a
// stream of activity signals, extending the session while activity continues
// and stopping it after a quiet period.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyActive is returned by Commander.StartRecording when the backend
// is already recording. The controller treats it as success.
var ErrAlreadyActive = errors.New("recording already active")

// BaseNameLayout formats a session start time into an output base name.
const BaseNameLayout = "20060102-150405"

// Commander issues recording commands to the backend.
type Commander interface {
	StartRecording(ctx context.Context) error
	SaveReplayBuffer(ctx context.Context) error
	StopRecording(ctx context.Context) error
	// LastReplayPath returns the path of the most recently saved replay.
	LastReplayPath(ctx context.Context) (string, error)
}

// EventSource delivers asynchronous backend notifications. The callback may
// run on any goroutine.
type EventSource interface {
	OnRecordingPath(func(path string))
}

// Backend is a recording backend the controller can drive.
type Backend interface {
	Commander
	EventSource
}

// Ended describes a finished session.
type Ended struct {
	ReplayPath    string
	RecordingPath string
	BaseName      string
	StartedAt     time.Time
	EndedAt       time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the recording state machine. Idle when deadline is zero.
// Trigger and CheckTimeout must be called from a single goroutine.
type Controller struct {
	backend Backend
	timeout time.Duration
	now     func() time.Time

	deadline  time.Time
	startedAt time.Time

	recording pathSlot
}

// NewController registers for recording path notifications on backend.
func NewController(backend Backend, timeout time.Duration, opts ...Option) *Controller {
	c := &Controller{backend: backend, timeout: timeout, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	backend.OnRecordingPath(c.recording.set)
	return c
}

// Trigger signals activity. When idle it starts recording and saves the
// replay buffer, reporting started=true on success; any backend error leaves
// the controller idle, and a recording it started is stopped again. When
// already recording it pushes the deadline out.
func (c *Controller) Trigger(ctx context.Context) (started bool, err error) {
	now := c.now()
	if c.Active() {
		c.deadline = now.Add(c.timeout)
		return false, nil
	}

	// Paths reported before this point belong to an earlier session.
	c.recording.take()

	fresh := true
	if err := c.backend.StartRecording(ctx); err != nil {
		if !errors.Is(err, ErrAlreadyActive) {
			return false, fmt.Errorf("starting recording: %w", err)
		}
		fresh = false
	}
	if err := c.backend.SaveReplayBuffer(ctx); err != nil {
		err = fmt.Errorf("saving replay buffer: %w", err)
		if fresh {
			if stopErr := c.backend.StopRecording(ctx); stopErr != nil {
				err = errors.Join(err, fmt.Errorf("stopping recording: %w", stopErr))
			}
			c.recording.take()
		}
		return false, err
	}
	c.startedAt = now
	c.deadline = now.Add(c.timeout)
	return true, nil
}

// CheckTimeout stops the session once the deadline has passed and returns
// what it produced. It returns nil when nothing ended. On a backend error the
// session is left as it was.
func (c *Controller) CheckTimeout(ctx context.Context) (*Ended, error) {
	if !c.Active() {
		return nil, nil
	}
	now := c.now()
	if now.Before(c.deadline) {
		return nil, nil
	}

	if err := c.backend.StopRecording(ctx); err != nil {
		return nil, fmt.Errorf("stopping recording: %w", err)
	}
	replay, err := c.backend.LastReplayPath(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying replay path: %w", err)
	}

	ended := &Ended{
		ReplayPath:    replay,
		RecordingPath: c.recording.take(),
		BaseName:      c.startedAt.Format(BaseNameLayout),
		StartedAt:     c.startedAt,
		EndedAt:       now,
	}
	c.deadline = time.Time{}
	c.startedAt = time.Time{}
	return ended, nil
}

// Active reports whether a session is in progress.
func (c *Controller) Active() bool {
	return !c.deadline.IsZero()
}

// Deadline returns the current stop deadline, zero when idle.
func (c *Controller) Deadline() time.Time {
	return c.deadline
}

// pathSlot holds the latest recording path reported by the backend.
type pathSlot struct {
	mu   sync.Mutex
	path string
}

// set ignores empty paths; the backend reports one on every state change.
func (s *pathSlot) set(path string) {
	if path == "" {
		return
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

func (s *pathSlot) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path
	s.path = ""
	return p
}

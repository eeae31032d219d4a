// Package status carries lifecycle notifications from the recording loop and
// the processing pipeline to whoever is watching.
package status

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Source identifies the component a status comes from.
type Source string

const (
	Recording  Source = "recording"
	Processing Source = "processing"
)

// Kind is the lifecycle stage being reported.
type Kind string

const (
	Ready   Kind = "ready"
	Started Kind = "started"
	Ended   Kind = "ended"
	Error   Kind = "error"
)

// Status is a single lifecycle notification. Err is set only for Error.
type Status struct {
	Source Source
	Kind   Kind
	Err    error
	JobID  string // processing only
	At     time.Time
}

func (s Status) String() string {
	var msg string
	switch s.Kind {
	case Ready:
		msg = string(s.Source) + " ready"
	case Started:
		msg = string(s.Source) + " started"
	case Ended:
		msg = string(s.Source) + " finished"
	case Error:
		msg = string(s.Source) + " error"
		if s.Err != nil {
			msg += ": " + s.Err.Error()
		}
	default:
		msg = string(s.Source) + " " + string(s.Kind)
	}
	if s.JobID != "" {
		msg += " (job " + s.JobID + ")"
	}
	return msg
}

// Sink receives status notifications. Implementations must be safe for
// concurrent use; the loop and every processing job report independently.
type Sink interface {
	Report(Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status)

func (f SinkFunc) Report(s Status) { f(s) }

// Discard drops every status.
var Discard Sink = SinkFunc(func(Status) {})

// Multi fans a status out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(s Status) {
		for _, sink := range sinks {
			sink.Report(s)
		}
	})
}

// Log writes every status to log at debug level.
func Log(log *slog.Logger) Sink {
	return SinkFunc(func(s Status) {
		attrs := []slog.Attr{
			slog.String("source", string(s.Source)),
			slog.String("kind", string(s.Kind)),
		}
		if s.JobID != "" {
			attrs = append(attrs, slog.String("job", s.JobID))
		}
		if s.Err != nil {
			attrs = append(attrs, slog.Any("err", s.Err))
		}
		log.LogAttrs(context.Background(), slog.LevelDebug, "status", attrs...)
	})
}

// Recorder keeps every reported status in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Status
}

func (r *Recorder) Report(s Status) {
	r.mu.Lock()
	r.all = append(r.all, s)
	r.mu.Unlock()
}

// All returns a copy of everything reported so far.
func (r *Recorder) All() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.all))
	copy(out, r.all)
	return out
}

var (
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	startedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	endedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// Console writes one line per status to w, styled when Styled is set.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
}

// NewConsole returns a console sink. Pass styled=true only for terminals.
func NewConsole(w io.Writer, styled bool) *Console {
	return &Console{w: w, styled: styled}
}

func (c *Console) Report(s Status) {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	stamp := at.Format("15:04:05")
	line := s.String()
	if c.styled {
		stamp = timeStyle.Render(stamp)
		line = styleFor(s.Kind).Render(line)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s  %s\n", stamp, line)
}

func styleFor(k Kind) lipgloss.Style {
	switch k {
	case Ready:
		return readyStyle
	case Started:
		return startedStyle
	case Error:
		return errorStyle
	default:
		return endedStyle
	}
}

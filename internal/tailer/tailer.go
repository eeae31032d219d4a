// Package tailer incrementally reads a directory of append-only log files and
// reports whether the newly appended text contains combat activity.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fakeyudi/fightrec/internal/matcher"
)

// DefaultMaxAge is the staleness window: files last modified longer ago than
// this are never tracked.
const DefaultMaxAge = 24 * time.Hour

// WatchedFile is a log file the tailer reads from.
type WatchedFile struct {
	Path    string
	Offset  int64 // bytes already consumed
	ModTime time.Time
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithMaxAge overrides the staleness window.
func WithMaxAge(d time.Duration) Option {
	return func(t *Tailer) { t.maxAge = d }
}

// WithClock overrides the time source used for the staleness check.
func WithClock(now func() time.Time) Option {
	return func(t *Tailer) { t.now = now }
}

// WithMatcher replaces the combat matcher. Used by tests.
func WithMatcher(match func(string) bool) Option {
	return func(t *Tailer) { t.match = match }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tailer) { t.log = l }
}

// WithDirWatch subscribes to directory membership changes so a file swapped
// in for another (same entry count) is still picked up on the next poll.
func WithDirWatch() Option {
	return func(t *Tailer) { t.watchDir = true }
}

// Tailer tracks read offsets for the log files in one directory.
// Poll and Tracked must be called from a single goroutine.
type Tailer struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
	match  func(string) bool
	log    *slog.Logger

	files     map[string]*WatchedFile
	lastCount int

	watchDir bool
	dirty    atomic.Bool
	watcher  *fsnotify.Watcher
	wg       sync.WaitGroup
}

// New lists dir and seeds every recent file at its current size, so history
// written before startup is never scanned. A listing failure is returned.
func New(dir string, opts ...Option) (*Tailer, error) {
	t := &Tailer{
		dir:    dir,
		maxAge: DefaultMaxAge,
		now:    time.Now,
		match:  matcher.Matches,
		log:    slog.New(slog.DiscardHandler),
		files:  make(map[string]*WatchedFile),
	}
	for _, o := range opts {
		o(t)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing log directory: %w", err)
	}
	t.lastCount = len(entries)
	for _, e := range entries {
		info, ok := t.recentFile(e)
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		t.files[path] = &WatchedFile{Path: path, Offset: info.Size(), ModTime: info.ModTime()}
	}

	if t.watchDir {
		t.startWatcher()
	}
	return t, nil
}

// Poll performs one pass over the directory. It returns true when any newly
// appended text matched. Every tracked file is read on every pass.
func (t *Tailer) Poll() (bool, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return false, fmt.Errorf("listing log directory: %w", err)
	}

	dirty := t.dirty.Swap(false)
	if len(entries) != t.lastCount || dirty {
		t.lastCount = len(entries)
		t.rescan(entries)
	}

	matched := false
	for _, path := range t.sortedPaths() {
		text := t.readNew(t.files[path])
		if text != "" && t.match(text) {
			matched = true
			t.logEvents(path, text)
		}
	}
	return matched, nil
}

// logEvents writes the combat events in text to the debug log.
func (t *Tailer) logEvents(path, text string) {
	if !t.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, ev := range matcher.Extract(text) {
		t.log.Debug("combat event",
			"file", filepath.Base(path),
			"category", ev.Category,
			"amount", ev.Amount,
			"actor", ev.Actor,
			"ship", ev.Subject,
			"module", ev.Qualifier)
	}
}

// rescan adds untracked recent files at offset zero and forgets tracked files
// that are no longer listed.
func (t *Tailer) rescan(entries []os.DirEntry) {
	listed := make(map[string]bool, len(entries))
	for _, e := range entries {
		path := filepath.Join(t.dir, e.Name())
		listed[path] = true
		if _, ok := t.files[path]; ok {
			continue
		}
		info, ok := t.recentFile(e)
		if !ok {
			continue
		}
		t.log.Debug("tracking new log file", "path", path)
		t.files[path] = &WatchedFile{Path: path, ModTime: info.ModTime()}
	}
	for path := range t.files {
		if !listed[path] {
			t.log.Debug("log file gone", "path", path)
			delete(t.files, path)
		}
	}
}

// readNew returns the text appended to f since the last read and advances
// its offset. Unreadable files yield an empty string.
func (t *Tailer) readNew(f *WatchedFile) string {
	info, err := os.Stat(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			delete(t.files, f.Path)
		}
		return ""
	}
	f.ModTime = info.ModTime()
	if info.Size() < f.Offset {
		t.log.Debug("log file truncated", "path", f.Path, "offset", f.Offset, "size", info.Size())
		f.Offset = 0
	}
	if info.Size() == f.Offset {
		return ""
	}

	file, err := os.Open(f.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrPermission) {
			t.log.Warn("opening log file", "path", f.Path, "err", err)
		}
		return ""
	}
	defer file.Close()

	if _, err := file.Seek(f.Offset, io.SeekStart); err != nil {
		t.log.Warn("seeking log file", "path", f.Path, "err", err)
		return ""
	}
	data, err := io.ReadAll(file)
	if err != nil && !errors.Is(err, fs.ErrPermission) {
		t.log.Warn("reading log file", "path", f.Path, "err", err)
	}
	f.Offset += int64(len(data))
	return string(data)
}

// recentFile reports whether e is a regular file modified within maxAge.
func (t *Tailer) recentFile(e os.DirEntry) (os.FileInfo, bool) {
	if e.IsDir() {
		return nil, false
	}
	info, err := e.Info()
	if err != nil {
		return nil, false
	}
	if t.now().Sub(info.ModTime()) >= t.maxAge {
		return nil, false
	}
	return info, true
}

func (t *Tailer) sortedPaths() []string {
	paths := make([]string, 0, len(t.files))
	for p := range t.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Tracked returns a snapshot of the tracked files sorted by path.
func (t *Tailer) Tracked() []WatchedFile {
	out := make([]WatchedFile, 0, len(t.files))
	for _, p := range t.sortedPaths() {
		out = append(out, *t.files[p])
	}
	return out
}

// startWatcher marks the listing dirty on every create, remove or rename in
// the directory. If the watcher cannot start, polling relies on the entry
// count alone.
func (t *Tailer) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.log.Debug("directory watcher unavailable", "err", err)
		return
	}
	if err := w.Add(t.dir); err != nil {
		t.log.Debug("directory watcher unavailable", "dir", t.dir, "err", err)
		w.Close()
		return
	}
	t.watcher = w
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					t.dirty.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				// Missed events: force a rescan rather than trust the count.
				t.log.Debug("directory watcher error", "err", err)
				t.dirty.Store(true)
			}
		}
	}()
}

// Close stops the directory watcher, if one is running.
func (t *Tailer) Close() error {
	if t.watcher == nil {
		return nil
	}
	err := t.watcher.Close()
	t.wg.Wait()
	t.watcher = nil
	return err
}

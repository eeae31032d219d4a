package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/status"
)

// fixture lays out a finished session: two source files in an OBS output
// directory and an empty destination directory.
type fixture struct {
	job  jobs.Job
	sink *status.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "clips")
	replay := filepath.Join(src, "Replay 2024-03-02 19-41-07.mkv")
	recording := filepath.Join(src, "2024-03-02 19-41-07.mkv")
	require.NoError(t, os.WriteFile(replay, []byte("replay"), 0o644))
	require.NoError(t, os.WriteFile(recording, []byte("recording"), 0o644))
	return fixture{
		job:  jobs.New("job-1", replay, recording, out, "20240302-194107", time.Now()),
		sink: &status.Recorder{},
	}
}

// copyRunner stands in for the concat tool: it writes the manifest contents
// to the output path.
func copyRunner(t *testing.T) Runner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		manifest := ""
		for i, a := range args {
			if a == "-i" && i+1 < len(args) {
				manifest = args[i+1]
			}
		}
		data, err := os.ReadFile(manifest)
		if err != nil {
			t.Errorf("manifest not readable during run: %v", err)
			return "", err
		}
		return "", os.WriteFile(args[len(args)-1], data, 0o644)
	}
}

func kinds(all []status.Status) []status.Kind {
	out := make([]status.Kind, len(all))
	for i, s := range all {
		out[i] = s.Kind
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSubmitConcatenatesAndDeletes(t *testing.T) {
	f := newFixture(t)
	p := New(Options{AutoConcatenate: true, DeleteOriginals: true, Runner: copyRunner(t)}, f.sink)

	p.Submit(context.Background(), f.job)
	p.Wait()

	assert.Equal(t, []status.Kind{status.Ready, status.Started, status.Ended}, kinds(f.sink.All()))
	data, err := os.ReadFile(f.job.ConcatenatedPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), f.job.ReplayPath())
	assert.Contains(t, string(data), f.job.RecordingPath())
	assert.False(t, exists(f.job.ReplayPath()), "replay part should be deleted")
	assert.False(t, exists(f.job.RecordingPath()), "recording part should be deleted")
	assert.False(t, exists(f.job.ReplaySource))
	assert.False(t, exists(f.job.RecordingSource))
}

func TestKeepOriginals(t *testing.T) {
	f := newFixture(t)
	p := New(Options{AutoConcatenate: true, Runner: copyRunner(t)}, f.sink)

	p.Submit(context.Background(), f.job)
	p.Wait()

	assert.True(t, exists(f.job.ConcatenatedPath()))
	assert.True(t, exists(f.job.ReplayPath()))
	assert.True(t, exists(f.job.RecordingPath()))
}

func TestToolFailureKeepsSources(t *testing.T) {
	f := newFixture(t)
	failing := func(ctx context.Context, name string, args ...string) (string, error) {
		os.WriteFile(args[len(args)-1], []byte("partial"), 0o644)
		return "Invalid data found when processing input\n", errors.New("exit status 1")
	}
	p := New(Options{AutoConcatenate: true, DeleteOriginals: true, Runner: failing}, f.sink)

	p.Submit(context.Background(), f.job)
	p.Wait()

	all := f.sink.All()
	require.Len(t, all, 3)
	last := all[2]
	assert.Equal(t, status.Error, last.Kind)
	var toolErr *ToolError
	require.ErrorAs(t, last.Err, &toolErr)
	assert.Contains(t, toolErr.Error(), "Invalid data found")
	assert.Equal(t, -1, toolErr.ExitCode)

	assert.False(t, exists(f.job.ConcatenatedPath()), "partial output should be removed")
	assert.True(t, exists(f.job.ReplayPath()))
	assert.True(t, exists(f.job.RecordingPath()))
}

func TestDeferredJobGoesToQueue(t *testing.T) {
	f := newFixture(t)
	queue := &jobs.MemStore{}
	calls := 0
	runner := copyRunner(t)
	counting := func(ctx context.Context, name string, args ...string) (string, error) {
		calls++
		return runner(ctx, name, args...)
	}
	p := New(Options{Queue: queue, Runner: counting}, f.sink)

	p.Submit(context.Background(), f.job)
	p.Wait()

	assert.Equal(t, 0, calls, "deferred jobs must not run the tool")
	assert.True(t, exists(f.job.ReplayPath()))
	assert.True(t, exists(f.job.RecordingPath()))
	pending, _ := queue.Load()
	require.Len(t, pending, 1)
	assert.Equal(t, f.job.ID, pending[0].ID)

	done, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, calls)
	assert.True(t, exists(f.job.ConcatenatedPath()))
	pending, _ = queue.Load()
	assert.Empty(t, pending)
}

func TestProcessQueueKeepsFailedJobs(t *testing.T) {
	queue := &jobs.MemStore{}
	out := t.TempDir()
	missing := jobs.New("missing", "", "", out, "20240101-000000", time.Now())
	require.NoError(t, queue.Append(missing))

	sink := &status.Recorder{}
	p := New(Options{Queue: queue, Runner: copyRunner(t)}, sink)
	done, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	pending, _ := queue.Load()
	require.Len(t, pending, 1)
	last := sink.All()[len(sink.All())-1]
	assert.Equal(t, status.Error, last.Kind)
	assert.ErrorIs(t, last.Err, ErrMissingInput)
}

func TestLockedSourceIsRetried(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	attempts := map[string]int{}
	rename := func(oldpath, newpath string) error {
		mu.Lock()
		attempts[oldpath]++
		n := attempts[oldpath]
		mu.Unlock()
		if oldpath == f.job.RecordingSource && n <= 2 {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errLocked}
		}
		return os.Rename(oldpath, newpath)
	}
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	p := New(Options{Rename: rename, Sleep: sleep}, f.sink)

	require.NoError(t, p.Claim(context.Background(), f.job))
	assert.Equal(t, []time.Duration{DefaultRetryInterval, DefaultRetryInterval}, slept)
	assert.Equal(t, 3, attempts[f.job.RecordingSource])
	assert.True(t, exists(f.job.RecordingPath()))
}

func TestOtherMoveErrorsFail(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk on fire")
	p := New(Options{Rename: func(string, string) error { return boom }}, f.sink)
	err := p.Claim(context.Background(), f.job)
	assert.ErrorIs(t, err, boom)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	locked := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errLocked}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(Options{Rename: locked}, f.sink)
	err := p.Claim(ctx, f.job)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMissingSourceIsSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.job.ReplaySource))
	p := New(Options{AutoConcatenate: true, Runner: copyRunner(t)}, f.sink)

	require.NoError(t, p.Claim(context.Background(), f.job))
	assert.True(t, exists(f.job.RecordingPath()))

	err := p.Concatenate(context.Background(), f.job)
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.False(t, exists(f.job.ConcatenatedPath()))
}

type scriptedHolds struct{ held []bool }

func (s *scriptedHolds) Held(context.Context, string) (bool, error) {
	if len(s.held) == 0 {
		return false, nil
	}
	h := s.held[0]
	s.held = s.held[1:]
	return h, nil
}

func TestWaitsForWriterToRelease(t *testing.T) {
	f := newFixture(t)
	f.job.ReplaySource = ""
	holds := &scriptedHolds{held: []bool{true, true, false}}
	waits := 0
	p := New(Options{
		Holds: holds,
		Sleep: func(context.Context, time.Duration) error { waits++; return nil },
	}, f.sink)

	require.NoError(t, p.Claim(context.Background(), f.job))
	assert.Equal(t, 2, waits)
	assert.True(t, exists(f.job.RecordingPath()))
}

func TestJobSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	var sawCancel bool
	runner := copyRunner(t)
	p := New(Options{AutoConcatenate: true, Runner: func(ctx context.Context, name string, args ...string) (string, error) {
		sawCancel = ctx.Err() != nil
		return runner(ctx, name, args...)
	}}, f.sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Submit(ctx, f.job)
	p.Wait()

	assert.False(t, sawCancel, "job context must not inherit cancellation")
	assert.True(t, exists(f.job.ConcatenatedPath()))
}

func TestInFlightCounter(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	runner := copyRunner(t)
	p := New(Options{AutoConcatenate: true, Runner: func(ctx context.Context, name string, args ...string) (string, error) {
		<-release
		return runner(ctx, name, args...)
	}}, f.sink)

	p.Submit(context.Background(), f.job)
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	p.Wait()
	assert.Equal(t, 0, p.InFlight())
}

func TestManifestGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	got := Manifest([]string{
		"/videos/20240302-194107_replay.mkv",
		"/videos/it's here/20240302-194107_recording.mkv",
	})
	g.Assert(t, "manifest", []byte(got))
}

func TestSortByTimestamp(t *testing.T) {
	in := []string{
		"/clips/20240302-201500_concatenated.mkv",
		"/clips/notes.mkv",
		"/clips/20240302-194107_concatenated.mkv",
	}
	got := SortByTimestamp(in)
	assert.Equal(t, []string{
		"/clips/notes.mkv",
		"/clips/20240302-194107_concatenated.mkv",
		"/clips/20240302-201500_concatenated.mkv",
	}, got)
	assert.Equal(t, "/clips/20240302-201500_concatenated.mkv", in[0], "input must not be reordered")
}

func TestCombinedName(t *testing.T) {
	assert.Equal(t, filepath.Join("/clips", "20240302-194107_concatenated_etc.mkv"),
		CombinedName("/clips/20240302-194107_concatenated.mkv"))
	assert.True(t, strings.HasSuffix(CombinedName("/clips/raw"), "raw_etc"+jobs.DefaultExt))
}

func TestConcatenateFilesEmpty(t *testing.T) {
	p := New(Options{}, nil)
	assert.Error(t, p.ConcatenateFiles(context.Background(), "/tmp/out.mkv", nil))
}

func TestSubmitCompletesAfterLockReleases(t *testing.T) {
	f := newFixture(t)
	releaseAt := time.Now().Add(150 * time.Millisecond)
	rename := func(oldpath, newpath string) error {
		if oldpath == f.job.RecordingSource && time.Now().Before(releaseAt) {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errLocked}
		}
		return os.Rename(oldpath, newpath)
	}
	p := New(Options{
		AutoConcatenate: true,
		RetryInterval:   20 * time.Millisecond,
		Rename:          rename,
		Runner:          copyRunner(t),
	}, f.sink)

	p.Submit(context.Background(), f.job)
	p.Wait()

	assert.False(t, time.Now().Before(releaseAt), "job finished before the lock cleared")
	assert.Equal(t, []status.Kind{status.Ready, status.Started, status.Ended}, kinds(f.sink.All()))
	assert.True(t, exists(f.job.ConcatenatedPath()))
}

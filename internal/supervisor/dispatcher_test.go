package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/session"
)

func TestSpawnFailureRemovesSession(t *testing.T) {
	h := newHarness(t, nil)

	err := h.d.Dispatch(SpawnSession{Launch: config.LaunchConfig{Name: "broken"}})
	require.Error(t, err)

	ev := nextEvent[SessionSpawnFailed](t, h.bus)
	assert.Equal(t, "broken", ev.Name)
	assert.Error(t, ev.Err)
	assert.Equal(t, 0, h.d.Registry().Len())
	assert.Equal(t, 0, h.d.Tasks().Len())
}

func TestActionsOnUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	missing := session.ID(42)

	actions := []Action{
		ConnectRealtime{Session: missing, URI: "ws://x"},
		RunCommand{Session: missing, Kind: Reload},
		StartPoll{Session: missing, Kind: PollProcessStats},
		StopPoll{Session: missing, Kind: PollProcessStats},
		WatchFiles{Session: missing},
		TeardownSession{Session: missing},
	}
	for _, a := range actions {
		if err := h.d.Dispatch(a); !errors.Is(err, ErrUnknownSession) {
			t.Errorf("Dispatch(%T) error = %v, want ErrUnknownSession", a, err)
		}
	}
}

func TestSpawnRegistersSupervisor(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)

	s, ok := h.d.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, "app", s.Name())
	assert.Equal(t, p.PID(), s.Process().PID())
	require.Eventually(t, func() bool {
		names := h.d.Tasks().TaskNames(id)
		return len(names) == 1 && names[0] == supervisorTask
	}, waitFor, 5*time.Millisecond)
}

func TestRunCommandCallsConfiguredMethod(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)

	s, _ := h.d.Registry().Get(id)
	s.SetAppID("app-1")

	require.NoError(t, h.d.Dispatch(RunCommand{Session: id, Kind: Restart}))
	assert.Equal(t, Restart, nextEvent[CommandStarted](t, h.bus).Kind)
	done := nextEvent[CommandCompleted](t, h.bus)
	assert.Equal(t, Restart, done.Kind)
	assert.NoError(t, done.Err)

	assert.Equal(t, []string{"app.restart"}, p.Calls())
	p.mu.Lock()
	params := p.params[0].(map[string]any)
	p.mu.Unlock()
	assert.Equal(t, true, params["fullRestart"])
	assert.Equal(t, "app-1", params["appId"])
}

func TestRunCommandReportsFailure(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)
	p.mu.Lock()
	p.callErr = errors.New("not ready")
	p.mu.Unlock()

	require.NoError(t, h.d.Dispatch(RunCommand{Session: id, Kind: Reload}))
	done := nextEvent[CommandCompleted](t, h.bus)
	assert.EqualError(t, done.Err, "not ready")
}

func TestRunCommandWithoutMethodCompletesLocally(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)

	require.NoError(t, h.d.Dispatch(RunCommand{Session: id, Kind: Clear}))
	done := nextEvent[CommandCompleted](t, h.bus)
	assert.Equal(t, Clear, done.Kind)
	assert.NoError(t, done.Err)
	assert.Empty(t, p.Calls())
}

func TestCommandsRunConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	require.NoError(t, h.d.Dispatch(RunCommand{Session: id, Kind: Reload}))
	require.NoError(t, h.d.Dispatch(RunCommand{Session: id, Kind: Reload}))
	nextEvent[CommandCompleted](t, h.bus)
	nextEvent[CommandCompleted](t, h.bus)
}

func TestStartPollClampsInterval(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: 10 * time.Millisecond}))
	tk := h.clock.nth(t, tickPoll, 0)
	assert.Equal(t, config.MinPollInterval, tk.period)

	tk.tick(t)
	ev := nextEvent[TelemetrySample](t, h.bus)
	assert.Equal(t, PollProcessStats, ev.Kind)
	assert.Equal(t, uint64(4096), ev.Sample.RSS)
	assert.Equal(t, p.PID(), <-h.d.sampler.(*fakeSampler).pids)
}

func TestStopPollEndsOnlyThatLoop(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: time.Second}))
	h.clock.nth(t, tickPoll, 0)
	require.Contains(t, h.d.Tasks().TaskNames(id), "poll:process-stats")

	require.NoError(t, h.d.Dispatch(StopPoll{Session: id, Kind: PollProcessStats}))
	require.Eventually(t, func() bool {
		names := h.d.Tasks().TaskNames(id)
		return len(names) == 1 && names[0] == supervisorTask
	}, waitFor, 5*time.Millisecond)

	// Stopping again is harmless.
	assert.NoError(t, h.d.Dispatch(StopPoll{Session: id, Kind: PollProcessStats}))
}

func TestStartPollReplacesLoop(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: time.Second}))
	first := h.clock.nth(t, tickPoll, 0)
	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: 2 * time.Second}))
	second := h.clock.nth(t, tickPoll, 1)

	assert.Equal(t, 2*time.Second, second.period)
	require.Eventually(t, first.stopped.Load, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.d.Tasks().TaskNames(id)) == 2 }, waitFor, 5*time.Millisecond)
}

func TestReplacedPollIsJoinedByTeardown(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	release := make(chan struct{})
	old, err := h.d.goTask(id, pollTaskName(PollProcessStats), true, func(context.Context, *Task) { <-release })
	require.NoError(t, err)

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: time.Second}))
	h.clock.nth(t, tickPoll, 0)

	names := h.d.Tasks().TaskNames(id)
	assert.Contains(t, names, "poll:process-stats")
	retired := 0
	for _, n := range names {
		if strings.HasPrefix(n, "poll:process-stats~retired") {
			retired++
		}
	}
	assert.Equal(t, 1, retired, "replaced loop left the registry before returning: %v", names)

	require.NoError(t, h.d.Dispatch(TeardownSession{Session: id}))
	noEvent[SessionTornDown](t, h.bus, 100*time.Millisecond)

	close(release)
	ev := nextEvent[SessionTornDown](t, h.bus)
	assert.NoError(t, ev.Err)
	select {
	case <-old.Done():
	default:
		t.Error("teardown finished before the replaced loop returned")
	}
}

func TestRealtimeMemoryPoll(t *testing.T) {
	h := newHarness(t, nil)
	connect(t, h)
	id := h.d.Registry().IDs()[0]

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollRealtimeMemory, Interval: time.Second}))
	tk := h.clock.nth(t, tickPoll, 0)
	tk.tick(t)

	ev := nextEvent[TelemetrySample](t, h.bus)
	assert.Equal(t, PollRealtimeMemory, ev.Kind)
	assert.Equal(t, int64(200), ev.Sample.HeapUsage)
	assert.Equal(t, int64(800), ev.Sample.HeapCapacity)
}

func TestRealtimeMemoryPollWithoutConnection(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollRealtimeMemory, Interval: time.Second}))
	tk := h.clock.nth(t, tickPoll, 0)
	tk.tick(t)
	tk.tick(t)
	noEvent[TelemetrySample](t, h.bus, 50*time.Millisecond)
}

func TestConnectRealtimeReplacesConnection(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	require.NoError(t, h.d.Dispatch(ConnectRealtime{Session: id, URI: "ws://a"}))
	first := h.conn(t, 0)
	require.NoError(t, h.d.Dispatch(ConnectRealtime{Session: id, URI: "ws://b"}))
	h.conn(t, 1)

	require.Eventually(t, func() bool { return first.closed.Load() > 0 }, waitFor, 5*time.Millisecond)
}

func TestTeardownRemovesSession(t *testing.T) {
	h := newHarness(t, nil)
	id, p := h.spawn(t)
	require.NoError(t, h.d.Dispatch(StartPoll{Session: id, Kind: PollProcessStats, Interval: time.Second}))
	h.clock.nth(t, tickPoll, 0)

	require.NoError(t, h.d.Dispatch(TeardownSession{Session: id}))
	exited := nextEvent[SessionExited](t, h.bus)
	require.NotNil(t, exited.Code)
	ev := nextEvent[SessionTornDown](t, h.bus)
	assert.NoError(t, ev.Err)

	assert.False(t, h.d.Registry().Exists(id))
	assert.Equal(t, 0, h.d.Tasks().Len())
	assert.Equal(t, int32(1), p.shutdowns.Load())
	assert.True(t, p.HasExited())
	_, forgot := h.sampler.forgotten.Load(p.pid)
	assert.True(t, forgot, "sampler still caches the torn down process")
}

func TestTeardownKillsOnTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Supervisor.ShutdownTimeout = 50 * time.Millisecond
	})
	h.delay = 10 * time.Second
	id, p := h.spawn(t)

	require.NoError(t, h.d.Dispatch(TeardownSession{Session: id}))
	ev := nextEvent[SessionTornDown](t, h.bus)
	assert.Error(t, ev.Err)
	assert.Equal(t, int32(1), p.kills.Load())
}

func TestTaskPanicIsContained(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.spawn(t)

	task, err := h.d.goTask(id, "boom", false, func(context.Context, *Task) {
		panic("boom")
	})
	require.NoError(t, err)

	select {
	case <-task.Done():
	case <-time.After(waitFor):
		t.Fatal("panicking task never finished")
	}
	assert.NotContains(t, h.d.Tasks().TaskNames(id), task.Name())
	assert.True(t, h.d.Registry().Exists(id))
}

func TestShutdownRunsSessionsConcurrently(t *testing.T) {
	const (
		n     = 5
		delay = 200 * time.Millisecond
	)
	h := newHarness(t, nil)
	h.delay = delay
	for range n {
		h.spawn(t)
	}

	report := h.d.Shutdown(5 * time.Second)
	require.NoError(t, report.Err)
	assert.Len(t, report.Sessions, n)
	assert.Empty(t, report.TimedOut())
	assert.GreaterOrEqual(t, report.Elapsed, delay)
	assert.Less(t, report.Elapsed, 3*delay, "sessions were shut down one after another")
	assert.Equal(t, 0, h.d.Registry().Len())

	assert.Error(t, h.d.Dispatch(SpawnSession{Launch: config.LaunchConfig{Name: "late", Command: "x"}}))
}

func TestShutdownKillsStragglers(t *testing.T) {
	h := newHarness(t, nil)
	h.delay = 10 * time.Second
	_, p := h.spawn(t)

	report := h.d.Shutdown(50 * time.Millisecond)
	assert.Error(t, report.Err)
	require.Len(t, report.TimedOut(), 1)
	assert.Equal(t, int32(1), p.kills.Load())
}

func TestWatchFilesReportsMatchingChanges(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Watch.Paths = []string{dir}
		cfg.Watch.Extensions = []string{".dart"}
		cfg.Watch.Debounce = 50 * time.Millisecond
	})
	id, _ := h.spawn(t)
	require.NoError(t, h.d.Dispatch(WatchFiles{Session: id}))
	require.Eventually(t, func() bool {
		for _, name := range h.d.Tasks().TaskNames(id) {
			if name == watchTask {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	// Watching twice keeps the single watcher.
	require.NoError(t, h.d.Dispatch(WatchFiles{Session: id}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.dart"), []byte("void main() {}"), 0o644))

	ev := nextEvent[FilesChanged](t, h.bus)
	assert.Equal(t, []string{filepath.Join(dir, "main.dart")}, ev.Paths)
}

func TestWatchFilesResolvesAgainstWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Watch.Paths = []string{"lib"}
		cfg.Watch.Extensions = []string{".dart"}
		cfg.Watch.Debounce = 50 * time.Millisecond
	})

	require.NoError(t, h.d.Dispatch(SpawnSession{Launch: config.LaunchConfig{Name: "app", Command: "fake", WorkingDir: dir}}))
	id := nextEvent[SessionSpawned](t, h.bus).Session
	require.NoError(t, h.d.Dispatch(WatchFiles{Session: id}))

	path := filepath.Join(dir, "lib", "main.dart")
	require.NoError(t, os.WriteFile(path, []byte("void main() {}"), 0o644))

	ev := nextEvent[FilesChanged](t, h.bus)
	assert.Equal(t, []string{path}, ev.Paths)
}

func TestWatchRoot(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "lib")
	tests := []struct {
		dir, path, want string
	}{
		{"", "lib", "lib"},
		{"/work/app", "lib", filepath.Join("/work/app", "lib")},
		{"/work/app", abs, abs},
	}
	for _, tt := range tests {
		if got := watchRoot(tt.dir, tt.path); got != tt.want {
			t.Errorf("watchRoot(%q, %q) = %q, want %q", tt.dir, tt.path, got, tt.want)
		}
	}
}

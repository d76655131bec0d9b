package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/logging"
	"github.com/agent-racer/pitwall/internal/process"
	"github.com/agent-racer/pitwall/internal/realtime"
	"github.com/agent-racer/pitwall/internal/session"
)

const waitFor = 2 * time.Second

// fakeProcess is a scripted Process.
type fakeProcess struct {
	pid    int
	events chan process.Event

	exited   atomic.Bool
	exitOnce sync.Once
	gone     chan struct{}

	shutdownDelay time.Duration
	shutdowns     atomic.Int32
	kills         atomic.Int32

	mu      sync.Mutex
	calls   []string
	params  []any
	callErr error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, events: make(chan process.Event, 64), gone: make(chan struct{})}
}

func (p *fakeProcess) Events() <-chan process.Event { return p.events }
func (p *fakeProcess) HasExited() bool              { return p.exited.Load() }
func (p *fakeProcess) PID() int                     { return p.pid }

func (p *fakeProcess) Call(_ context.Context, method string, params, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, method)
	p.params = append(p.params, params)
	return p.callErr
}

func (p *fakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProcess) Shutdown(ctx context.Context, _ process.StopRequest) process.ShutdownResult {
	p.shutdowns.Add(1)
	if p.HasExited() {
		return process.ShutdownResult{Tier: process.TierAlreadyExited}
	}
	start := time.Now()
	select {
	case <-time.After(p.shutdownDelay):
	case <-p.gone:
	case <-ctx.Done():
	}
	p.exit(0)
	return process.ShutdownResult{Tier: process.TierStopCommand, Commands: 1, Elapsed: time.Since(start)}
}

func (p *fakeProcess) Kill() {
	p.kills.Add(1)
	p.exit(137)
}

// exit reports a real exit: flag first, then the event, then close.
func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.exited.Store(true)
		p.events <- process.Exited{Code: code}
		close(p.events)
		close(p.gone)
	})
}

// vanish sets the exit flag without ever delivering the event.
func (p *fakeProcess) vanish() {
	p.exited.Store(true)
}

// fakeConn is a scripted RealtimeConn.
type fakeConn struct {
	events chan realtime.Event
	closed atomic.Int32

	mu      sync.Mutex
	version func(ctx context.Context) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan realtime.Event, 16)}
}

func (c *fakeConn) Events() <-chan realtime.Event { return c.events }

func (c *fakeConn) setVersion(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.version = fn
	c.mu.Unlock()
}

func (c *fakeConn) GetVersion(ctx context.Context) (realtime.Version, error) {
	c.mu.Lock()
	fn := c.version
	c.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return realtime.Version{}, err
		}
	}
	return realtime.Version{Type: "Version", Major: 4, Minor: 0}, nil
}

func (c *fakeConn) GetVM(context.Context) (realtime.VM, error) {
	return realtime.VM{Type: "VM", Isolates: []realtime.IsolateRef{{ID: "isolates/1"}, {ID: "isolates/2"}}}, nil
}

func (c *fakeConn) GetMemoryUsage(_ context.Context, _ string) (realtime.MemoryUsage, error) {
	return realtime.MemoryUsage{Type: "MemoryUsage", HeapUsage: 100, HeapCapacity: 400}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

var errProbe = errors.New("probe failed")

type fakeSampler struct {
	pids      chan int
	forgotten sync.Map
}

func (s *fakeSampler) Forget(pid int) {
	s.forgotten.Store(pid, true)
}

func (s *fakeSampler) Sample(_ context.Context, pid int) (session.Sample, error) {
	select {
	case s.pids <- pid:
	default:
	}
	return session.Sample{Time: time.Now(), CPUPercent: 12.5, RSS: 4096}, nil
}

// manualClock hands out tickers that only fire when the test says so.
type manualClock struct {
	mu      sync.Mutex
	tickers map[string][]*manualTicker
}

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
	period  time.Duration
}

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

func newManualClock() *manualClock {
	return &manualClock{tickers: make(map[string][]*manualTicker)}
}

func (c *manualClock) clock(name string, d time.Duration) Ticker {
	t := &manualTicker{c: make(chan time.Time), period: d}
	c.mu.Lock()
	c.tickers[name] = append(c.tickers[name], t)
	c.mu.Unlock()
	return t
}

// nth waits for the n-th ticker named name to exist and returns it.
func (c *manualClock) nth(t *testing.T, name string, n int) *manualTicker {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		ts := c.tickers[name]
		c.mu.Unlock()
		if len(ts) > n {
			return ts[n]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s ticker #%d created", name, n)
	return nil
}

// tick delivers one tick; the receiving loop must take it.
func (mt *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case mt.c <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("tick was not received")
	}
}

type harness struct {
	d       *Dispatcher
	cfg     *config.Config
	clock   *manualClock
	bus     *Bus
	sampler *fakeSampler

	mu    sync.Mutex
	procs []*fakeProcess
	conns []*fakeConn
	// delay is applied to processes spawned afterwards.
	delay time.Duration
}

func newHarness(t *testing.T, tweak func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Supervisor.ExitGrace = 200 * time.Millisecond
	cfg.Supervisor.ShutdownTimeout = 2 * time.Second
	cfg.Realtime.HeartbeatThreshold = 3
	cfg.Realtime.HeartbeatTimeout = time.Second
	if tweak != nil {
		tweak(cfg)
	}

	h := &harness{cfg: cfg, clock: newManualClock(), bus: NewBus(1024), sampler: &fakeSampler{pids: make(chan int, 16)}}
	h.d = NewDispatcher(context.Background(), Options{
		Config: cfg,
		Bus:    h.bus,
		Logger: logging.Discard(),
		Spawn: func(launch config.LaunchConfig, _ *log.Logger) (Process, error) {
			if launch.Command == "" {
				return nil, errors.New("no command")
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			p := newFakeProcess(1000 + len(h.procs))
			p.shutdownDelay = h.delay
			h.procs = append(h.procs, p)
			return p, nil
		},
		Dial: func(context.Context, string, realtime.Options) RealtimeConn {
			h.mu.Lock()
			defer h.mu.Unlock()
			c := newFakeConn()
			h.conns = append(h.conns, c)
			return c
		},
		Sampler: h.sampler,
		Clock:   h.clock.clock,
	})
	t.Cleanup(func() { h.d.Shutdown(time.Second) })
	return h
}

func (h *harness) spawn(t *testing.T) (session.ID, *fakeProcess) {
	t.Helper()
	before := h.d.Registry().IDs()
	if err := h.d.Dispatch(SpawnSession{Launch: config.LaunchConfig{Name: "app", Command: "fake"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ev := nextEvent[SessionSpawned](t, h.bus)
	for _, id := range before {
		if id == ev.Session {
			t.Fatalf("spawn reused id %v", id)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return ev.Session, h.procs[len(h.procs)-1]
}

func (h *harness) conn(t *testing.T, n int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.conns) > n {
			c := h.conns[n]
			h.mu.Unlock()
			return c
		}
		h.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connection #%d never dialed", n)
	return nil
}

// nextEvent returns the next bus event of type T, skipping others.
func nextEvent[T Event](t *testing.T, bus *Bus) T {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-bus.Events():
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// noEvent fails if an event of type T shows up within d.
func noEvent[T Event](t *testing.T, bus *Bus, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev := <-bus.Events():
			if e, ok := ev.(T); ok {
				t.Fatalf("unexpected %T: %+v", e, e)
			}
		case <-timeout:
			return
		}
	}
}

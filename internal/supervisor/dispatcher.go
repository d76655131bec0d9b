// Package supervisor runs the background work behind every session: the
// per-session supervisor loop, realtime forwarding with heartbeats, one-shot
// commands, polling loops, file watching and shutdown. Results are reported
// as Events on a Bus.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/logging"
	"github.com/agent-racer/pitwall/internal/process"
	"github.com/agent-racer/pitwall/internal/realtime"
	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/telemetry"
)

const (
	supervisorTask = "supervisor"
	realtimeTask   = "realtime"
	watchTask      = "watch"
	teardownTask   = "teardown"

	commandTimeout = time.Minute
)

type Options struct {
	Config   *config.Config
	Registry *session.Registry
	Bus      *Bus
	Logger   *log.Logger

	// The fields below default to the real implementations.
	Spawn   SpawnFunc
	Dial    DialFunc
	Sampler ProcessSampler
	Clock   Clock
}

// Dispatcher turns Actions into supervised tasks.
type Dispatcher struct {
	cfg      *config.Config
	registry *session.Registry
	tasks    *TaskRegistry
	bus      *Bus
	logger   *log.Logger

	spawn   SpawnFunc
	dial    DialFunc
	sampler ProcessSampler
	clock   Clock

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher returns a dispatcher whose tasks all run under ctx.
func NewDispatcher(ctx context.Context, opts Options) *Dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		cfg:      opts.Config,
		registry: opts.Registry,
		tasks:    NewTaskRegistry(),
		bus:      opts.Bus,
		logger:   logging.OrDiscard(opts.Logger),
		spawn:    opts.Spawn,
		dial:     opts.Dial,
		sampler:  opts.Sampler,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
	}
	if d.cfg == nil {
		d.cfg = config.Default()
	}
	if d.registry == nil {
		d.registry = session.NewRegistry(d.cfg.Logs.Buffer, d.cfg.Telemetry.Buffer)
	}
	if d.bus == nil {
		d.bus = NewBus(1024)
	}
	if d.spawn == nil {
		d.spawn = spawnProcess
	}
	if d.dial == nil {
		d.dial = dialRealtime
	}
	if d.sampler == nil {
		d.sampler = telemetry.NewProcessSampler()
	}
	if d.clock == nil {
		d.clock = realClock
	}
	return d
}

func (d *Dispatcher) Registry() *session.Registry { return d.registry }
func (d *Dispatcher) Tasks() *TaskRegistry        { return d.tasks }
func (d *Dispatcher) Bus() *Bus                   { return d.bus }

// Dispatch starts the work for a. Spawn failures are returned here and also
// reported as SessionSpawnFailed.
func (d *Dispatcher) Dispatch(a Action) error {
	if d.ctx.Err() != nil {
		return fmt.Errorf("dispatch %T: %w", a, d.ctx.Err())
	}

	switch a := a.(type) {
	case SpawnSession:
		_, err := d.spawnSession(a)
		return err
	case ConnectRealtime:
		return d.connectRealtime(a)
	case RunCommand:
		return d.runCommand(a)
	case StartPoll:
		return d.startPoll(a)
	case StopPoll:
		return d.stopPoll(a)
	case WatchFiles:
		return d.watchFiles(a)
	case TeardownSession:
		return d.teardown(a)
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}

// goTask runs fn as a registered task of session id. A panic in fn is
// logged and ends the task like a normal return.
func (d *Dispatcher) goTask(id session.ID, name string, unique bool, fn func(ctx context.Context, t *Task)) (*Task, error) {
	t, ctx, err := d.tasks.add(id, name, unique)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(t.done)
		defer d.tasks.remove(id, t)
		defer t.cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("task panicked", "session", id, "task", t.name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(ctx, t)
	}()
	return t, nil
}

func (d *Dispatcher) spawnSession(a SpawnSession) (session.ID, error) {
	s := d.registry.Create(a.Launch.Name)
	id := s.ID()
	logger := d.logger.With("session", id, "launch", a.Launch.Name)

	proc, err := d.spawn(a.Launch, logger)
	if err != nil {
		d.registry.Remove(id)
		logger.Error("spawn failed", "err", err)
		d.bus.Emit(SessionSpawnFailed{Session: id, Name: a.Launch.Name, Err: err})
		return id, fmt.Errorf("spawn %s: %w", a.Launch.Name, err)
	}
	s.AttachProcess(proc)

	if _, err := d.tasks.open(d.ctx, id, proc, a.Launch.WorkingDir); err != nil {
		proc.Kill()
		d.registry.Remove(id)
		return id, err
	}

	d.bus.Emit(SessionSpawned{Session: id, Name: a.Launch.Name, PID: proc.PID()})

	sup := &superviseTask{d: d, id: id, proc: proc}
	if _, err := d.goTask(id, supervisorTask, true, func(ctx context.Context, _ *Task) { sup.run(ctx) }); err != nil {
		proc.Kill()
		return id, err
	}
	return id, nil
}

func (d *Dispatcher) connectRealtime(a ConnectRealtime) error {
	if !d.registry.Exists(a.Session) {
		return fmt.Errorf("connect realtime %v: %w", a.Session, ErrUnknownSession)
	}

	// A new URI replaces any existing connection.
	if old, ok := d.tasks.retire(a.Session, realtimeTask); ok {
		old.cancel()
	}

	_, err := d.goTask(a.Session, realtimeTask, true, func(ctx context.Context, _ *Task) {
		conn := d.dial(ctx, a.URI, d.realtimeOptions(a.Session))
		d.tasks.setRealtime(a.Session, conn)
		newForwarder(d, a.Session, conn).run(ctx)
	})
	return err
}

func (d *Dispatcher) runCommand(a RunCommand) error {
	proc, ok := d.tasks.process(a.Session)
	if !ok || !d.registry.Exists(a.Session) {
		return fmt.Errorf("%s %v: %w", a.Kind, a.Session, ErrUnknownSession)
	}

	method, params, configured := d.commandRequest(a)

	_, err := d.goTask(a.Session, "command:"+a.Kind.String(), false, func(ctx context.Context, _ *Task) {
		d.bus.Emit(CommandStarted{Session: a.Session, Kind: a.Kind})
		start := time.Now()

		var err error
		if configured {
			err = safeCall(func() error {
				cctx, cancel := context.WithTimeout(ctx, commandTimeout)
				defer cancel()
				return proc.Call(cctx, method, params, nil)
			})
		}

		elapsed := time.Since(start)
		if err != nil {
			d.logger.Warn("command failed", "session", a.Session, "command", a.Kind, "err", err)
		} else {
			d.logger.Info("command completed", "session", a.Session, "command", a.Kind, "elapsed", elapsed)
		}
		d.bus.Emit(CommandCompleted{Session: a.Session, Kind: a.Kind, Duration: elapsed, Err: err})
	})
	return err
}

// commandRequest builds the protocol call for a command. configured is
// false when no method is set for the kind; the command then completes
// without contacting the process.
func (d *Dispatcher) commandRequest(a RunCommand) (string, map[string]any, bool) {
	cmd, ok := d.cfg.Command(a.Kind.String())
	if !ok {
		return "", nil, false
	}
	params := make(map[string]any, len(cmd.Params)+1)
	maps.Copy(params, cmd.Params)
	if s, ok := d.registry.Get(a.Session); ok {
		if appID := s.AppID(); appID != "" {
			params["appId"] = appID
		}
	}
	return cmd.Method, params, true
}

func (d *Dispatcher) stopRequest(id session.ID) process.StopRequest {
	cfg := d.cfg.Supervisor
	var params map[string]any
	if s, ok := d.registry.Get(id); ok && s.AppID() != "" {
		params = map[string]any{"appId": s.AppID()}
	}
	return process.StopRequest{
		Method:      cfg.StopMethod,
		Params:      params,
		StopTimeout: cfg.StopTimeout,
		TermTimeout: cfg.TermTimeout,
		KillTimeout: cfg.KillTimeout,
	}
}

// endFamily cancels every task of a session without forgetting it.
func (d *Dispatcher) endFamily(id session.ID) {
	d.tasks.cancel(id)
}

func (d *Dispatcher) teardown(a TeardownSession) error {
	if !d.registry.Exists(a.Session) {
		return fmt.Errorf("teardown %v: %w", a.Session, ErrUnknownSession)
	}
	proc, hasProc := d.tasks.process(a.Session)

	_, err := d.goTask(a.Session, teardownTask, true, func(context.Context, *Task) {
		tasks, _ := d.tasks.beginClose(a.Session)

		timeout := time.NewTimer(d.cfg.Supervisor.ShutdownTimeout)
		defer timeout.Stop()

		var err error
	wait:
		for _, t := range tasks {
			select {
			case <-t.Done():
			case <-timeout.C:
				err = errors.New("tasks did not finish before the shutdown timeout")
				break wait
			}
		}
		if err != nil && hasProc {
			d.logger.Warn("teardown timed out, killing process", "session", a.Session)
			proc.Kill()
		}

		if hasProc {
			d.sampler.Forget(proc.PID())
		}
		d.registry.Remove(a.Session)
		d.tasks.close(a.Session)
		d.bus.Emit(SessionTornDown{Session: a.Session, Err: err})
	})
	if errors.Is(err, ErrUnknownSession) {
		return fmt.Errorf("teardown %v: %w", a.Session, err)
	}
	return err
}

// realtimeOptions builds the client options for a session's connection.
func (d *Dispatcher) realtimeOptions(id session.ID) realtime.Options {
	rcfg := d.cfg.Realtime
	return realtime.Options{
		MaxAttempts:    rcfg.MaxAttempts,
		InitialBackoff: rcfg.InitialBackoff,
		MaxBackoff:     rcfg.MaxBackoff,
		Streams:        rcfg.Streams,
		Logger:         d.logger.With("session", id),
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

package supervisor

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/process"
	"github.com/agent-racer/pitwall/internal/realtime"
	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/telemetry"
)

// Process is the supervised child. *process.Handle implements it.
type Process interface {
	Events() <-chan process.Event
	HasExited() bool
	PID() int
	Call(ctx context.Context, method string, params, result any) error
	Shutdown(ctx context.Context, req process.StopRequest) process.ShutdownResult
	Kill()
}

// RealtimeConn is a realtime client. *realtime.Client implements it.
type RealtimeConn interface {
	telemetry.MemoryClient
	Events() <-chan realtime.Event
	GetVersion(ctx context.Context) (realtime.Version, error)
	Close() error
}

type SpawnFunc func(launch config.LaunchConfig, logger *log.Logger) (Process, error)

type DialFunc func(ctx context.Context, uri string, opts realtime.Options) RealtimeConn

// ProcessSampler reads OS resource usage for a pid. Forget releases what
// it keeps between samples of that pid.
type ProcessSampler interface {
	Sample(ctx context.Context, pid int) (session.Sample, error)
	Forget(pid int)
}

// Ticker is the part of time.Ticker the tasks use.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates the tickers for the watchdog, heartbeat, poll and watch
// loops. name identifies which.
type Clock func(name string, d time.Duration) Ticker

const (
	tickWatchdog  = "watchdog"
	tickHeartbeat = "heartbeat"
	tickPoll      = "poll"
)

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func realClock(_ string, d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func spawnProcess(launch config.LaunchConfig, logger *log.Logger) (Process, error) {
	h, err := process.Spawn(process.Spec{
		Name:    launch.Name,
		Command: launch.Command,
		Args:    launch.Args,
		Dir:     launch.WorkingDir,
		Env:     launch.Env,
	}, process.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func dialRealtime(ctx context.Context, uri string, opts realtime.Options) RealtimeConn {
	return realtime.Dial(ctx, uri, opts)
}

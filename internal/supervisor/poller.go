package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/telemetry"
)

var errNoRealtime = errors.New("no realtime connection")

func pollTaskName(k PollKind) string {
	return "poll:" + k.String()
}

// startPoll starts a sampling loop, replacing any loop of the same kind.
// The interval never goes below the configured minimum.
func (d *Dispatcher) startPoll(a StartPoll) error {
	if !d.registry.Exists(a.Session) {
		return fmt.Errorf("poll %s %v: %w", a.Kind, a.Session, ErrUnknownSession)
	}
	interval := a.Interval
	if interval <= 0 {
		interval = d.cfg.Telemetry.Interval
	}
	interval = config.ClampInterval(interval, d.cfg.Telemetry.MinInterval)

	name := pollTaskName(a.Kind)
	if old, ok := d.tasks.retire(a.Session, name); ok {
		old.Stop()
	}

	_, err := d.goTask(a.Session, name, true, func(ctx context.Context, t *Task) {
		ticker := d.clock(tickPoll, interval)
		defer ticker.Stop()

		d.logger.Debug("poll started", "session", a.Session, "kind", a.Kind, "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				d.logger.Debug("poll stopped", "session", a.Session, "kind", a.Kind)
				return
			case <-ticker.C():
				sample, err := d.pollOnce(ctx, a.Session, a.Kind)
				if err != nil {
					d.logger.Debug("poll failed", "session", a.Session, "kind", a.Kind, "err", err)
					continue
				}
				d.bus.Emit(TelemetrySample{Session: a.Session, Kind: a.Kind, Sample: sample})
			}
		}
	})
	return err
}

func (d *Dispatcher) pollOnce(ctx context.Context, id session.ID, kind PollKind) (session.Sample, error) {
	switch kind {
	case PollProcessStats:
		proc, ok := d.tasks.process(id)
		if !ok {
			return session.Sample{}, ErrUnknownSession
		}
		if proc.HasExited() {
			return session.Sample{}, errors.New("process exited")
		}
		return d.sampler.Sample(ctx, proc.PID())

	case PollRealtimeMemory:
		conn, ok := d.tasks.realtime(id)
		if !ok {
			return session.Sample{}, errNoRealtime
		}
		return telemetry.SampleHeap(ctx, conn)

	default:
		return session.Sample{}, fmt.Errorf("unknown poll kind %d", kind)
	}
}

// stopPoll signals the loop's own stop channel. Stopping a loop that is
// not running is not an error.
func (d *Dispatcher) stopPoll(a StopPoll) error {
	if !d.registry.Exists(a.Session) {
		return fmt.Errorf("stop poll %s %v: %w", a.Kind, a.Session, ErrUnknownSession)
	}
	if t, ok := d.tasks.lookup(a.Session, pollTaskName(a.Kind)); ok {
		t.Stop()
	}
	return nil
}

package supervisor

import (
	"context"
	"fmt"

	"github.com/agent-racer/pitwall/internal/realtime"
	"github.com/agent-racer/pitwall/internal/session"
)

type probeResult struct {
	epoch uint64
	err   error
}

// forwarder relays one realtime connection's events onto the bus and runs
// its heartbeat. It owns the connection and closes it when it returns.
type forwarder struct {
	d    *Dispatcher
	id   session.ID
	conn RealtimeConn
	hb   *heartbeat

	results chan probeResult
}

func newForwarder(d *Dispatcher, id session.ID, conn RealtimeConn) *forwarder {
	return &forwarder{
		d:       d,
		id:      id,
		conn:    conn,
		hb:      newHeartbeat(d.cfg.Realtime.HeartbeatThreshold),
		results: make(chan probeResult, 1),
	}
}

func (f *forwarder) run(ctx context.Context) {
	defer f.conn.Close()
	defer f.d.tasks.clearRealtime(f.id, f.conn)

	ticker := f.d.clock(tickHeartbeat, f.d.cfg.Realtime.HeartbeatInterval)
	defer ticker.Stop()

	events := f.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if !f.forward(ev) {
				return
			}

		case <-ticker.C():
			epoch, ok := f.hb.begin()
			if !ok {
				continue
			}
			go f.probe(ctx, epoch)

		case r := <-f.results:
			if f.onProbe(r) {
				return
			}
		}
	}
}

// forward relays ev and applies its effect on the heartbeat. It returns
// false once the connection is permanently gone.
func (f *forwarder) forward(ev realtime.Event) bool {
	switch e := ev.(type) {
	case realtime.Connecting:
		f.d.bus.Emit(RealtimeConnecting{Session: f.id})
	case realtime.Connected:
		f.d.bus.Emit(RealtimeConnected{Session: f.id})
	case realtime.Reconnecting:
		f.hb.reset()
		f.d.bus.Emit(RealtimeReconnecting{Session: f.id, Attempt: e.Attempt, Max: e.Max})
	case realtime.Reconnected:
		f.hb.reset()
		f.d.bus.Emit(RealtimeReconnected{Session: f.id})
	case realtime.Disconnected:
		reason := "connection lost"
		if e.Err != nil {
			reason = e.Err.Error()
		}
		f.d.bus.Emit(RealtimeDisconnected{Session: f.id, Reason: reason})
		return false
	case realtime.StreamEvent:
		f.d.bus.Emit(RealtimeStream{Session: f.id, StreamID: e.StreamID, Kind: e.Kind, Data: e.Data})
	default:
		f.d.logger.Debug("unhandled realtime event", "session", f.id, "event", fmt.Sprintf("%T", ev))
	}
	return true
}

// probe issues one typed liveness call. The result is tagged with the epoch
// it started in.
func (f *forwarder) probe(ctx context.Context, epoch uint64) {
	pctx, cancel := context.WithTimeout(ctx, f.d.cfg.Realtime.HeartbeatTimeout)
	defer cancel()
	_, err := f.conn.GetVersion(pctx)
	select {
	case f.results <- probeResult{epoch: epoch, err: err}:
	case <-ctx.Done():
	}
}

// onProbe records a probe result and reports whether the connection was
// torn down for failing the threshold.
func (f *forwarder) onProbe(r probeResult) bool {
	if !f.hb.record(r.epoch, r.err) {
		f.d.logger.Debug("dropping stale heartbeat result", "session", f.id, "epoch", r.epoch)
		return false
	}
	if r.err == nil {
		return false
	}

	f.d.logger.Warn("heartbeat failed", "session", f.id, "failures", f.hb.failures, "err", r.err)
	f.d.bus.Emit(HeartbeatFailed{
		Session:   f.id,
		Failures:  f.hb.failures,
		Threshold: f.hb.threshold,
		Err:       r.err,
	})
	if !f.hb.tripped() {
		return false
	}

	f.d.logger.Error("heartbeat threshold reached, dropping realtime connection", "session", f.id)
	f.conn.Close()
	f.d.bus.Emit(RealtimeDisconnected{
		Session: f.id,
		Reason:  fmt.Sprintf("heartbeat failed %d times", f.hb.failures),
	})
	return true
}

package supervisor

import (
	"context"
	"time"

	"github.com/agent-racer/pitwall/internal/process"
	"github.com/agent-racer/pitwall/internal/session"
)

// superviseTask is the per-session event loop. It forwards process events,
// runs the exit watchdog and shuts the process down when ctx is cancelled.
// Exactly one SessionExited is emitted for the session.
type superviseTask struct {
	d    *Dispatcher
	id   session.ID
	proc Process

	// exited is set by whichever path reported the exit first.
	exited bool
}

func (s *superviseTask) run(ctx context.Context) {
	logger := s.d.logger.With("session", s.id)
	cfg := s.d.cfg.Supervisor

	watchdog := s.d.clock(tickWatchdog, cfg.WatchdogInterval)
	defer watchdog.Stop()

	events := s.proc.Events()
	shutdown := ctx.Done()
	// Both channels are nilled out once used so the select never spins on
	// them.
	tick := watchdog.C()

loop:
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(ev)

		case <-tick:
			if s.exited {
				continue
			}
			if !s.proc.HasExited() {
				continue
			}
			// The exit flag is set before the Exited event is sent; give
			// the real event a bounded chance to arrive first.
			if s.awaitExit(&events, cfg.ExitGrace) {
				continue
			}
			logger.Warn("watchdog found process exited without an exit event")
			s.exited = true
			s.d.bus.Emit(SessionExited{Session: s.id})
			break loop

		case <-shutdown:
			shutdown = nil
			res := s.proc.Shutdown(context.Background(), s.d.stopRequest(s.id))
			logger.Info("process shut down", "tier", res.Tier, "elapsed", res.Elapsed)
			if res.Err != nil {
				logger.Error("shutdown incomplete", "err", res.Err)
			}
		}
	}

	if events != nil {
		// The watchdog ended the loop; keep the notifier from blocking if
		// it is still alive.
		go drain(events, drainLimit)
	}
	if !s.exited && s.proc.HasExited() {
		s.exited = true
		s.d.bus.Emit(SessionExited{Session: s.id})
	}

	// The session's other tasks end with the process.
	s.d.endFamily(s.id)
}

// awaitExit consumes process events for up to grace, returning true if the
// real exit was reported meanwhile.
func (s *superviseTask) awaitExit(events *<-chan process.Event, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for *events != nil {
		select {
		case ev, ok := <-*events:
			if !ok {
				*events = nil
				return s.exited
			}
			s.handle(ev)
			if s.exited {
				return true
			}
		case <-timer.C:
			return false
		}
	}
	return s.exited
}

func (s *superviseTask) handle(ev process.Event) {
	switch e := ev.(type) {
	case process.Output:
		s.d.bus.Emit(SessionLog{Session: s.id, Source: e.Stream.String(), Text: e.Line})

	case process.Notification:
		s.handleNotification(e)

	case process.Exited:
		if s.exited {
			s.d.logger.Debug("dropping duplicate exit", "session", s.id)
			return
		}
		s.exited = true
		code := e.Code
		s.d.bus.Emit(SessionExited{Session: s.id, Code: &code})
	}
}

func (s *superviseTask) handleNotification(n process.Notification) {
	cfg := s.d.cfg
	switch n.Event {
	case cfg.Supervisor.ReadyEvent:
		s.d.bus.Emit(SessionStarted{Session: s.id})
		return
	case cfg.Supervisor.AppIDEvent:
		if appID, ok := n.Field("appId"); ok {
			s.d.bus.Emit(SessionAppID{Session: s.id, AppID: appID})
			return
		}
	case cfg.Realtime.URIEvent:
		if uri, ok := n.Field(cfg.Realtime.URIField); ok {
			s.d.bus.Emit(RealtimeURI{Session: s.id, URI: uri})
			return
		}
	}

	if text, ok := n.Field("log"); ok {
		s.d.bus.Emit(SessionLog{Session: s.id, Source: "app", Text: text})
		return
	}
	if text, ok := n.Field("message"); ok {
		s.d.bus.Emit(SessionLog{Session: s.id, Source: "app", Text: text})
		return
	}
	s.d.bus.Emit(SessionNotification{Session: s.id, Event: n.Event, Params: n.Params})
}

// drainLimit bounds how long events are discarded after the watchdog
// reported an exit.
const drainLimit = time.Minute

func drain(events <-chan process.Event, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}

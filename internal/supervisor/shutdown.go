package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/pitwall/internal/session"
)

var errShutdownTimeout = errors.New("shutdown timed out")

type SessionShutdown struct {
	Session  session.ID
	Duration time.Duration
	TimedOut bool
}

type ShutdownReport struct {
	Sessions []SessionShutdown
	Elapsed  time.Duration
	Err      error
}

// TimedOut returns the sessions that had to be killed.
func (r ShutdownReport) TimedOut() []session.ID {
	var ids []session.ID
	for _, s := range r.Sessions {
		if s.TimedOut {
			ids = append(ids, s.Session)
		}
	}
	return ids
}

// RequestShutdown cancels every session's tasks. Supervisor tasks respond by
// stopping their process. Dispatch fails afterwards.
func (d *Dispatcher) RequestShutdown() {
	d.cancel()
}

// Shutdown is RequestShutdown followed by AwaitAll.
func (d *Dispatcher) Shutdown(timeout time.Duration) ShutdownReport {
	d.RequestShutdown()
	return d.AwaitAll(timeout)
}

// AwaitAll waits for every session to wind down, all in parallel. Sessions
// still running at the deadline have their process killed.
func (d *Dispatcher) AwaitAll(timeout time.Duration) ShutdownReport {
	start := time.Now()
	if timeout <= 0 {
		timeout = d.cfg.Supervisor.ShutdownTimeout
	}

	type pending struct {
		id    session.ID
		proc  Process
		tasks []*Task
	}
	ids := d.tasks.Sessions()
	all := make([]pending, 0, len(ids))
	for _, id := range ids {
		proc, _ := d.tasks.process(id)
		all = append(all, pending{id: id, proc: proc, tasks: d.tasks.Tasks(id)})
	}

	d.logger.Info("waiting for sessions", "sessions", len(all), "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report := ShutdownReport{Sessions: make([]SessionShutdown, len(all))}
	var g errgroup.Group
	for i, p := range all {
		g.Go(func() error {
			began := time.Now()
			timedOut := !awaitTasks(ctx, p.tasks)
			if timedOut && p.proc != nil {
				d.logger.Warn("session did not stop in time, killing", "session", p.id)
				p.proc.Kill()
			}
			d.registry.Remove(p.id)
			d.tasks.close(p.id)
			report.Sessions[i] = SessionShutdown{Session: p.id, Duration: time.Since(began), TimedOut: timedOut}
			if timedOut {
				return fmt.Errorf("session %v: %w", p.id, errShutdownTimeout)
			}
			return nil
		})
	}
	report.Err = g.Wait()
	report.Elapsed = time.Since(start)
	d.logger.Info("shutdown complete", "elapsed", report.Elapsed, "timed_out", len(report.TimedOut()))
	return report
}

// awaitTasks reports whether every task finished before ctx ended.
func awaitTasks(ctx context.Context, tasks []*Task) bool {
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return false
		}
	}
	return true
}

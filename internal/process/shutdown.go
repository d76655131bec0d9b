package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StopRequest configures the escalation used by Shutdown.
type StopRequest struct {
	// Method is the polite stop call sent on the command channel. Empty
	// skips straight to SIGTERM.
	Method      string
	Params      any
	StopTimeout time.Duration
	TermTimeout time.Duration
	KillTimeout time.Duration
}

// Tier is the escalation step that ended the process.
type Tier int

const (
	TierAlreadyExited Tier = iota
	TierStopCommand
	TierTerminate
	TierKill
)

func (t Tier) String() string {
	switch t {
	case TierAlreadyExited:
		return "already-exited"
	case TierStopCommand:
		return "stop-command"
	case TierTerminate:
		return "terminate"
	case TierKill:
		return "kill"
	default:
		return "unknown"
	}
}

type ShutdownResult struct {
	Tier Tier
	// Commands counts everything sent to the process: the stop call and
	// each signal.
	Commands int
	Elapsed  time.Duration
	// Err is set when the process survived SIGKILL for KillTimeout.
	Err error
}

// ladder records the last escalation step actually sent to the process.
type ladder struct {
	tier     Tier
	commands int
}

func (l *ladder) send(t Tier) {
	l.tier = t
	l.commands++
}

// Shutdown stops the process, escalating from the stop call to SIGTERM to
// SIGKILL. It returns immediately, sending nothing, when the process has
// already exited. Cancelling ctx skips to SIGKILL.
func (h *Handle) Shutdown(ctx context.Context, req StopRequest) ShutdownResult {
	start := time.Now()
	res := ShutdownResult{}
	var sent ladder
	finish := func(t Tier) ShutdownResult {
		res.Tier = t
		res.Commands = sent.commands
		res.Elapsed = time.Since(start)
		h.logger.Debug("shutdown finished", "tier", t, "elapsed", res.Elapsed)
		return res
	}

	if h.HasExited() {
		return finish(TierAlreadyExited)
	}

	if req.Method != "" && req.StopTimeout > 0 && ctx.Err() == nil {
		stopCtx, cancel := context.WithTimeout(ctx, req.StopTimeout)
		sent.send(TierStopCommand)
		go func() {
			err := h.channel.Call(stopCtx, req.Method, req.Params, nil)
			if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.DeadlineExceeded) {
				h.logger.Debug("stop call failed", "method", req.Method, "err", err)
			}
		}()
		exited := h.waitExit(stopCtx)
		cancel()
		if exited {
			return finish(TierStopCommand)
		}
	}

	if ctx.Err() == nil && !h.HasExited() {
		sent.send(TierTerminate)
		if err := terminateGroup(h.PID()); err != nil {
			h.logger.Debug("SIGTERM failed", "err", err)
		}
		termCtx, cancel := context.WithTimeout(ctx, req.TermTimeout)
		exited := h.waitExit(termCtx)
		cancel()
		if exited {
			return finish(TierTerminate)
		}
	}

	// Exited on its own after the last check; credit the last step sent.
	if h.HasExited() {
		return finish(sent.tier)
	}

	sent.send(TierKill)
	h.Kill()
	killCtx, cancel := context.WithTimeout(context.Background(), req.KillTimeout)
	defer cancel()
	if !h.waitExit(killCtx) {
		res.Err = fmt.Errorf("process %d still running after SIGKILL", h.PID())
		h.logger.Error("process survived SIGKILL", "elapsed", time.Since(start))
	}
	return finish(TierKill)
}

func (h *Handle) waitExit(ctx context.Context) bool {
	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return h.HasExited()
	}
}

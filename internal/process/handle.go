// Package process spawns and supervises a child process that speaks a
// line-delimited JSON-RPC protocol over its standard streams.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/logging"
)

const (
	eventBuffer         = 256
	maxLineSize         = 1024 * 1024
	defaultDrainTimeout = 500 * time.Millisecond
)

// Spec describes the process to start.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

type Options struct {
	Logger *log.Logger
	// DrainTimeout bounds how long the exit path waits for output still
	// buffered in the pipes. Grandchildren holding the pipes open are cut
	// off after it.
	DrainTimeout time.Duration
}

// Handle owns one running child process.
type Handle struct {
	spec    Spec
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	channel *Channel
	logger  *log.Logger
	drain   time.Duration

	events  chan Event
	abandon chan struct{}
	readers sync.WaitGroup

	exited atomic.Bool
	code   atomic.Int64
	done   chan struct{}
}

// Spawn starts the process in its own process group. An error means no
// process is running.
func Spawn(spec Spec, opts Options) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("spawn: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(spec.Env)...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin: %w", spec.Command, err)
	}
	// os.Pipe rather than StdoutPipe: Wait must not close the read ends
	// while output is still being drained.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("spawn %s: stdout: %w", spec.Command, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("spawn %s: stderr: %w", spec.Command, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}
	outW.Close()
	errW.Close()

	logger := logging.OrDiscard(opts.Logger).With("pid", cmd.Process.Pid)
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	h := &Handle{
		spec:    spec,
		cmd:     cmd,
		stdin:   stdin,
		channel: NewChannel(stdin, logger),
		logger:  logger,
		drain:   drain,
		events:  make(chan Event, eventBuffer),
		abandon: make(chan struct{}),
		done:    make(chan struct{}),
	}

	h.readers.Add(2)
	go h.readStdout(outR)
	go h.readStderr(errR)
	go h.wait(outR, errR)

	logger.Info("process started", "command", spec.Command, "args", spec.Args)
	return h, nil
}

// Events delivers output, notifications and finally one Exited event, after
// which the channel is closed.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Channel returns the command channel bound to the process's stdin.
func (h *Handle) Channel() *Channel {
	return h.channel
}

func (h *Handle) Call(ctx context.Context, method string, params, result any) error {
	if h.HasExited() {
		return ErrExited
	}
	return h.channel.Call(ctx, method, params, result)
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *Handle) Name() string {
	return h.spec.Name
}

// HasExited reports whether the OS has reaped the process. It becomes true
// before the Exited event is delivered.
func (h *Handle) HasExited() bool {
	return h.exited.Load()
}

// Done is closed once HasExited is true.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code once the process has exited.
func (h *Handle) ExitCode() (int, bool) {
	if !h.HasExited() {
		return 0, false
	}
	return int(h.code.Load()), true
}

// Kill force-kills the process group.
func (h *Handle) Kill() {
	if h.HasExited() {
		return
	}
	if err := killGroup(h.PID()); err != nil {
		h.logger.Debug("group kill failed, killing process", "err", err)
		_ = h.cmd.Process.Kill()
	}
}

func (h *Handle) wait(outR, errR *os.File) {
	err := h.cmd.Wait()
	code := exitCode(h.cmd, err)

	h.code.Store(int64(code))
	h.exited.Store(true)
	close(h.done)
	h.channel.Close()

	drained := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(h.drain):
		h.logger.Warn("output still open after exit, closing pipes")
		close(h.abandon)
		outR.Close()
		errR.Close()
		<-drained
	}

	h.logger.Info("process exited", "code", code)
	h.events <- Exited{Code: code}
	close(h.events)
}

func (h *Handle) readStdout(r *os.File) {
	defer h.readers.Done()
	h.scan(r, Stdout, func(line string) {
		if ev, ok := h.channel.handleLine(line); ok {
			h.emit(ev)
		}
	})
}

func (h *Handle) readStderr(r *os.File) {
	defer h.readers.Done()
	h.scan(r, Stderr, func(line string) {
		h.emit(Output{Stream: Stderr, Line: line})
	})
}

func (h *Handle) scan(r *os.File, stream Stream, fn func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Warn("read error", "stream", stream, "err", err)
	}
}

func (h *Handle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.abandon:
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

package supervisor

import (
	"time"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/session"
)

// Action is a side effect requested by the UI. The set is closed: the
// unexported method keeps other packages from adding variants, and
// Dispatch handles every one.
type Action interface {
	isAction()
}

// SpawnSession starts a new session for a launch target.
type SpawnSession struct {
	Launch config.LaunchConfig
}

// ConnectRealtime opens (or replaces) the session's realtime connection.
type ConnectRealtime struct {
	Session session.ID
	URI     string
}

type RunCommand struct {
	Session session.ID
	Kind    CommandKind
}

type StartPoll struct {
	Session  session.ID
	Kind     PollKind
	Interval time.Duration
}

type StopPoll struct {
	Session session.ID
	Kind    PollKind
}

// WatchFiles reports source changes under the configured paths.
type WatchFiles struct {
	Session session.ID
}

type TeardownSession struct {
	Session session.ID
}

func (SpawnSession) isAction()    {}
func (ConnectRealtime) isAction() {}
func (RunCommand) isAction()      {}
func (StartPoll) isAction()       {}
func (StopPoll) isAction()        {}
func (WatchFiles) isAction()      {}
func (TeardownSession) isAction() {}

// CommandKind is a one-shot command run against a session.
type CommandKind int

const (
	Reload CommandKind = iota
	Restart
	Stop
	Clear
)

var commandNames = map[CommandKind]string{
	Reload:  "reload",
	Restart: "restart",
	Stop:    "stop",
	Clear:   "clear",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return "unknown"
}

// PollKind is a periodic sampling loop.
type PollKind int

const (
	PollProcessStats PollKind = iota
	PollRealtimeMemory
)

func (k PollKind) String() string {
	switch k {
	case PollProcessStats:
		return "process-stats"
	case PollRealtimeMemory:
		return "realtime-memory"
	default:
		return "unknown"
	}
}

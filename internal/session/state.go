package session

import (
	"fmt"
	"time"
)

// ID identifies a session. IDs are assigned by the Registry, start at 1 and
// are never reused.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("#%d", uint64(id))
}

// Phase is where a session is in its run. Stopped is terminal.
type Phase int

const (
	Starting Phase = iota
	Running
	Reloading
	Restarting
	Stopped
)

var phaseNames = map[Phase]string{
	Starting:   "starting",
	Running:    "running",
	Reloading:  "reloading",
	Restarting: "restarting",
	Stopped:    "stopped",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) IsTerminal() bool {
	return p == Stopped
}

// RealtimeState is the session's view of its realtime connection.
type RealtimeState int

const (
	RealtimeNone RealtimeState = iota
	RealtimeConnecting
	RealtimeConnected
	RealtimeReconnecting
	RealtimeDisconnected
)

var realtimeNames = map[RealtimeState]string{
	RealtimeNone:         "none",
	RealtimeConnecting:   "connecting",
	RealtimeConnected:    "connected",
	RealtimeReconnecting: "reconnecting",
	RealtimeDisconnected: "disconnected",
}

func (s RealtimeState) String() string {
	if n, ok := realtimeNames[s]; ok {
		return n
	}
	return "unknown"
}

type RealtimeStatus struct {
	State   RealtimeState
	URI     string
	Attempt int
	Max     int
	// Reason is why a Disconnected connection was lost. It stays on screen
	// until a new connection is requested.
	Reason string
}

func (r RealtimeStatus) String() string {
	switch r.State {
	case RealtimeReconnecting:
		return fmt.Sprintf("reconnecting %d/%d", r.Attempt, r.Max)
	case RealtimeDisconnected:
		if r.Reason != "" {
			return "disconnected: " + r.Reason
		}
	}
	return r.State.String()
}

// LogEntry is one line in a session's log pane.
type LogEntry struct {
	Time   time.Time
	Source string // "stdout", "stderr", "app", "pitwall"
	Text   string
}

// Sample is one telemetry reading. Fields left zero were not sampled.
type Sample struct {
	Time         time.Time
	CPUPercent   float64
	RSS          uint64
	HeapUsage    int64
	HeapCapacity int64
}

// Snapshot is a copy of a session's scalar state for rendering.
type Snapshot struct {
	ID        ID
	Name      string
	PID       int
	Phase     Phase
	AppID     string
	Realtime  RealtimeStatus
	ExitCode  *int
	StartedAt time.Time
	StoppedAt time.Time
	LogLines  int
	Latest    Sample
}

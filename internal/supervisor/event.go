package supervisor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agent-racer/pitwall/internal/session"
)

// Event is a state transition or data item reported to the UI. Every event
// names the session it belongs to.
type Event interface {
	SessionID() session.ID
}

type SessionSpawned struct {
	Session session.ID
	Name    string
	PID     int
}

type SessionSpawnFailed struct {
	Session session.ID
	Name    string
	Err     error
}

// SessionStarted is reported when the process announces it is ready.
type SessionStarted struct {
	Session session.ID
}

type SessionAppID struct {
	Session session.ID
	AppID   string
}

type SessionLog struct {
	Session session.ID
	Source  string
	Text    string
}

// SessionNotification carries a protocol event pitwall does not interpret.
type SessionNotification struct {
	Session session.ID
	Event   string
	Params  json.RawMessage
}

// SessionExited is reported once per session. Code is nil when the exit was
// detected by the watchdog without a status.
type SessionExited struct {
	Session session.ID
	Code    *int
}

// RealtimeURI is the realtime service address announced by the process.
type RealtimeURI struct {
	Session session.ID
	URI     string
}

type RealtimeConnecting struct {
	Session session.ID
}

type RealtimeConnected struct {
	Session session.ID
}

type RealtimeReconnecting struct {
	Session session.ID
	Attempt int
	Max     int
}

type RealtimeReconnected struct {
	Session session.ID
}

// RealtimeDisconnected is permanent for the connection it reports.
type RealtimeDisconnected struct {
	Session session.ID
	Reason  string
}

type RealtimeStream struct {
	Session  session.ID
	StreamID string
	Kind     string
	Data     json.RawMessage
}

type HeartbeatFailed struct {
	Session   session.ID
	Failures  int
	Threshold int
	Err       error
}

type CommandStarted struct {
	Session session.ID
	Kind    CommandKind
}

// CommandCompleted reports the outcome of every RunCommand action.
type CommandCompleted struct {
	Session  session.ID
	Kind     CommandKind
	Duration time.Duration
	Err      error
}

type TelemetrySample struct {
	Session session.ID
	Kind    PollKind
	Sample  session.Sample
}

type FilesChanged struct {
	Session session.ID
	Paths   []string
}

// SessionTornDown is the last event for a session. Its ID is no longer in
// the registry.
type SessionTornDown struct {
	Session session.ID
	Err     error
}

func (e SessionSpawned) SessionID() session.ID       { return e.Session }
func (e SessionSpawnFailed) SessionID() session.ID   { return e.Session }
func (e SessionStarted) SessionID() session.ID       { return e.Session }
func (e SessionAppID) SessionID() session.ID         { return e.Session }
func (e SessionLog) SessionID() session.ID           { return e.Session }
func (e SessionNotification) SessionID() session.ID  { return e.Session }
func (e SessionExited) SessionID() session.ID        { return e.Session }
func (e RealtimeURI) SessionID() session.ID          { return e.Session }
func (e RealtimeConnecting) SessionID() session.ID   { return e.Session }
func (e RealtimeConnected) SessionID() session.ID    { return e.Session }
func (e RealtimeReconnecting) SessionID() session.ID { return e.Session }
func (e RealtimeReconnected) SessionID() session.ID  { return e.Session }
func (e RealtimeDisconnected) SessionID() session.ID { return e.Session }
func (e RealtimeStream) SessionID() session.ID       { return e.Session }
func (e HeartbeatFailed) SessionID() session.ID      { return e.Session }
func (e CommandStarted) SessionID() session.ID       { return e.Session }
func (e CommandCompleted) SessionID() session.ID     { return e.Session }
func (e TelemetrySample) SessionID() session.ID      { return e.Session }
func (e FilesChanged) SessionID() session.ID         { return e.Session }
func (e SessionTornDown) SessionID() session.ID      { return e.Session }

// Bus is the single channel every task reports on. Events from one producer
// arrive in the order they were emitted.
type Bus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func NewBus(size int) *Bus {
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Emit delivers ev, blocking while the buffer is full. It returns false
// once the bus is closed.
func (b *Bus) Emit(ev Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops delivery. Pending and later emits return false; the event
// channel itself stays open.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

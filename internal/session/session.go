// Package session holds the state of every supervised session and the
// registry that decides which sessions exist.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Process is the part of a process handle a session needs for display and
// liveness.
type Process interface {
	PID() int
	HasExited() bool
}

// Session pairs one child process with its accumulated state. Methods are
// safe for concurrent use.
type Session struct {
	id   ID
	name string

	mu        sync.Mutex
	proc      Process
	phase     Phase
	appID     string
	realtime  RealtimeStatus
	exitCode  *int
	startedAt time.Time
	stoppedAt time.Time
	logs      *Buffer[LogEntry]
	samples   *Buffer[Sample]
}

func newSession(id ID, name string, logCap, sampleCap int) *Session {
	return &Session{
		id:        id,
		name:      name,
		phase:     Starting,
		startedAt: time.Now(),
		logs:      NewBuffer[LogEntry](logCap),
		samples:   NewBuffer[Sample](sampleCap),
	}
}

func (s *Session) ID() ID {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

// AttachProcess records the process once it has been spawned.
func (s *Session) AttachProcess(p Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
}

func (s *Session) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase moves the session to p. A stopped session stays stopped; the
// return value reports whether the phase changed.
func (s *Session) SetPhase(p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Stopped || s.phase == p {
		return false
	}
	s.phase = p
	if p == Stopped {
		s.stoppedAt = time.Now()
	}
	return true
}

// HandleExit records the process exit. A nil code means the exit was
// detected without a status. The first call moves the session to Stopped
// and logs the exit; later calls change nothing and return false.
func (s *Session) HandleExit(code *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Stopped {
		return false
	}

	s.phase = Stopped
	s.stoppedAt = time.Now()
	if code != nil {
		c := *code
		s.exitCode = &c
		s.logs.Add(LogEntry{Time: s.stoppedAt, Source: "pitwall", Text: fmt.Sprintf("process exited with code %d", c)})
	} else {
		s.logs.Add(LogEntry{Time: s.stoppedAt, Source: "pitwall", Text: "process exited (code unknown)"})
	}
	return true
}

func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

func (s *Session) AppendLog(source, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Add(LogEntry{Time: time.Now(), Source: source, Text: text})
}

func (s *Session) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.Items()
}

func (s *Session) ClearLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Clear()
}

func (s *Session) AddSample(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.samples.Last()
	// OS and heap samples arrive from separate pollers; carry the other
	// half forward so the latest sample is complete.
	if ok {
		if sample.RSS == 0 && sample.CPUPercent == 0 {
			sample.RSS, sample.CPUPercent = last.RSS, last.CPUPercent
		}
		if sample.HeapUsage == 0 && sample.HeapCapacity == 0 {
			sample.HeapUsage, sample.HeapCapacity = last.HeapUsage, last.HeapCapacity
		}
	}
	s.samples.Add(sample)
}

func (s *Session) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples.Items()
}

func (s *Session) SetAppID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appID = id
}

func (s *Session) AppID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

func (s *Session) SetRealtime(r RealtimeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.URI == "" {
		r.URI = s.realtime.URI
	}
	s.realtime = r
}

func (s *Session) Realtime() RealtimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtime
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Name:      s.name,
		Phase:     s.phase,
		AppID:     s.appID,
		Realtime:  s.realtime,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
		LogLines:  s.logs.Len(),
	}
	if s.proc != nil {
		snap.PID = s.proc.PID()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		snap.ExitCode = &c
	}
	snap.Latest, _ = s.samples.Last()
	return snap
}

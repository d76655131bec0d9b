// Package app is the Bubble Tea layer: it applies supervisor events to
// session state and turns key presses into actions.
package app

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/agent-racer/pitwall/internal/config"
	"github.com/agent-racer/pitwall/internal/logging"
	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/supervisor"
	"github.com/agent-racer/pitwall/internal/theme"
	"github.com/agent-racer/pitwall/internal/views/help"
	"github.com/agent-racer/pitwall/internal/views/logs"
	"github.com/agent-racer/pitwall/internal/views/status"
)

// Dispatcher is the part of *supervisor.Dispatcher the UI drives.
type Dispatcher interface {
	Dispatch(a supervisor.Action) error
	RequestShutdown()
	AwaitAll(timeout time.Duration) supervisor.ShutdownReport
}

type Options struct {
	Config     *config.Config
	Dispatcher Dispatcher
	Registry   *session.Registry
	Bus        *supervisor.Bus
	Logger     *log.Logger
}

// Messages produced by the commands below.
type (
	eventMsg struct{ ev supervisor.Event }

	busClosedMsg struct{}

	dispatchErrMsg struct {
		action supervisor.Action
		err    error
	}

	shutdownDoneMsg struct{ report supervisor.ShutdownReport }
)

// Model is the root Bubble Tea model.
type Model struct {
	cfg      *config.Config
	d        Dispatcher
	registry *session.Registry
	bus      *supervisor.Bus
	logger   *log.Logger

	keys   KeyMap
	width  int
	height int

	selected   session.ID
	nextLaunch int
	showHelp   bool
	quitting   bool
	watching   map[session.ID]bool

	statusBar status.Model
	logPane   logs.Model
}

// New creates the root model.
func New(opts Options) Model {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return Model{
		cfg:       cfg,
		d:         opts.Dispatcher,
		registry:  opts.Registry,
		bus:       opts.Bus,
		logger:    logging.OrDiscard(opts.Logger),
		keys:      DefaultKeyMap(),
		watching:  make(map[session.ID]bool),
		statusBar: status.New(),
		logPane:   logs.New(80, 20),
	}
}

// Init starts listening for events and spawns the auto-start targets.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForEvent()}
	for _, l := range m.cfg.Launch {
		if l.AutoStart {
			cmds = append(cmds, m.dispatch(supervisor.SpawnSession{Launch: l}))
		}
	}
	return tea.Batch(cmds...)
}

// waitForEvent reads one event off the bus. It is re-issued after every
// event, like a read loop.
func (m Model) waitForEvent() tea.Cmd {
	bus := m.bus
	return func() tea.Msg {
		select {
		case ev := <-bus.Events():
			return eventMsg{ev: ev}
		case <-bus.Done():
			return busClosedMsg{}
		}
	}
}

func (m Model) dispatch(a supervisor.Action) tea.Cmd {
	d := m.d
	return func() tea.Msg {
		if err := d.Dispatch(a); err != nil {
			return dispatchErrMsg{action: a, err: err}
		}
		return nil
	}
}

func (m Model) dispatchAll(actions []supervisor.Action) tea.Cmd {
	cmds := make([]tea.Cmd, 0, len(actions))
	for _, a := range actions {
		cmds = append(cmds, m.dispatch(a))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.logPane.SetSize(msg.Width, m.logHeight())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		actions := m.apply(msg.ev)
		m.refresh()
		return m, tea.Batch(m.waitForEvent(), m.dispatchAll(actions))

	case busClosedMsg:
		return m, nil

	case dispatchErrMsg:
		if !m.quitting {
			m.statusBar.Notice = msg.err.Error()
		}
		m.logger.Warn("action failed", "action", fmt.Sprintf("%T", msg.action), "err", msg.err)
		return m, nil

	case shutdownDoneMsg:
		if ids := msg.report.TimedOut(); len(ids) > 0 {
			m.logger.Warn("sessions killed at shutdown", "sessions", ids)
		}
		return m, tea.Quit
	}
	return m, nil
}

// apply updates session state for ev and returns the follow-up actions.
func (m *Model) apply(ev supervisor.Event) []supervisor.Action {
	id := ev.SessionID()
	s, ok := m.registry.Get(id)

	switch e := ev.(type) {
	case supervisor.SessionSpawnFailed:
		m.statusBar.Notice = fmt.Sprintf("could not start %s: %v", e.Name, e.Err)
		return nil
	case supervisor.SessionTornDown:
		delete(m.watching, id)
		if m.selected == id {
			m.selected = 0
		}
		return nil
	}
	if !ok {
		m.logger.Debug("event for unknown session", "session", id, "event", fmt.Sprintf("%T", ev))
		return nil
	}

	var actions []supervisor.Action
	switch e := ev.(type) {
	case supervisor.SessionSpawned:
		s.AppendLog("pitwall", fmt.Sprintf("started %s (pid %d)", e.Name, e.PID))
		if m.selected == 0 {
			m.selected = id
		}

	case supervisor.SessionStarted:
		s.SetPhase(session.Running)
		if m.cfg.Telemetry.Enabled {
			actions = append(actions, supervisor.StartPoll{Session: id, Kind: supervisor.PollProcessStats, Interval: m.cfg.Telemetry.Interval})
		}
		if m.cfg.Watch.Enabled && !m.watching[id] {
			m.watching[id] = true
			actions = append(actions, supervisor.WatchFiles{Session: id})
		}

	case supervisor.SessionAppID:
		s.SetAppID(e.AppID)

	case supervisor.SessionLog:
		s.AppendLog(e.Source, e.Text)

	case supervisor.SessionNotification:
		m.logger.Debug("notification", "session", id, "event", e.Event)

	case supervisor.SessionExited:
		s.HandleExit(e.Code)
		delete(m.watching, id)

	case supervisor.RealtimeURI:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeNone, URI: e.URI})
		if m.cfg.Realtime.AutoConnect && !s.Phase().IsTerminal() {
			actions = append(actions, supervisor.ConnectRealtime{Session: id, URI: e.URI})
		}

	case supervisor.RealtimeConnecting:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeConnecting})

	case supervisor.RealtimeConnected:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeConnected})
		if m.cfg.Telemetry.Enabled {
			actions = append(actions, supervisor.StartPoll{Session: id, Kind: supervisor.PollRealtimeMemory, Interval: m.cfg.Telemetry.Interval})
		}

	case supervisor.RealtimeReconnecting:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeReconnecting, Attempt: e.Attempt, Max: e.Max})

	case supervisor.RealtimeReconnected:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeConnected})
		s.AppendLog("pitwall", "realtime connection restored")

	case supervisor.RealtimeDisconnected:
		s.SetRealtime(session.RealtimeStatus{State: session.RealtimeDisconnected, Reason: e.Reason})
		s.AppendLog("pitwall", "realtime connection lost: "+e.Reason)
		if !s.Phase().IsTerminal() {
			actions = append(actions, supervisor.StopPoll{Session: id, Kind: supervisor.PollRealtimeMemory})
		}

	case supervisor.RealtimeStream:
		m.logger.Debug("stream event", "session", id, "stream", e.StreamID, "kind", e.Kind)

	case supervisor.HeartbeatFailed:
		m.statusBar.Notice = fmt.Sprintf("heartbeat failed %d/%d", e.Failures, e.Threshold)

	case supervisor.CommandStarted:
		switch e.Kind {
		case supervisor.Reload:
			s.SetPhase(session.Reloading)
		case supervisor.Restart:
			s.SetPhase(session.Restarting)
		}

	case supervisor.CommandCompleted:
		m.commandCompleted(s, e)

	case supervisor.TelemetrySample:
		s.AddSample(e.Sample)

	case supervisor.FilesChanged:
		if s.Phase() == session.Running {
			s.AppendLog("pitwall", fmt.Sprintf("%d file(s) changed, reloading", len(e.Paths)))
			actions = append(actions, supervisor.RunCommand{Session: id, Kind: supervisor.Reload})
		}
	}
	return actions
}

func (m *Model) commandCompleted(s *session.Session, e supervisor.CommandCompleted) {
	if p := s.Phase(); p == session.Reloading || p == session.Restarting {
		s.SetPhase(session.Running)
	}
	if e.Err != nil {
		s.AppendLog("pitwall", fmt.Sprintf("%s failed: %v", e.Kind, e.Err))
		m.statusBar.Notice = fmt.Sprintf("%s failed", e.Kind)
		return
	}
	switch e.Kind {
	case supervisor.Clear:
		s.ClearLogs()
		m.statusBar.Notice = ""
	case supervisor.Reload, supervisor.Restart:
		m.statusBar.Notice = fmt.Sprintf("%s in %s", e.Kind, e.Duration.Round(time.Millisecond))
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}
	if m.showHelp {
		if key.Matches(msg, m.keys.Escape, m.keys.Help) {
			m.showHelp = false
		}
		if key.Matches(msg, m.keys.Quit) {
			return m.quit()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
		return m, nil

	case key.Matches(msg, m.keys.Reload):
		cmd := m.command(supervisor.Reload)
		return m, cmd
	case key.Matches(msg, m.keys.Restart):
		cmd := m.command(supervisor.Restart)
		return m, cmd
	case key.Matches(msg, m.keys.Stop):
		cmd := m.command(supervisor.Stop)
		return m, cmd
	case key.Matches(msg, m.keys.Clear):
		cmd := m.command(supervisor.Clear)
		return m, cmd

	case key.Matches(msg, m.keys.New):
		if len(m.cfg.Launch) == 0 {
			m.statusBar.Notice = "no launch targets configured"
			return m, nil
		}
		l := m.cfg.Launch[m.nextLaunch%len(m.cfg.Launch)]
		m.nextLaunch++
		return m, m.dispatch(supervisor.SpawnSession{Launch: l})

	case key.Matches(msg, m.keys.Close):
		if m.selected == 0 {
			return m, nil
		}
		return m, m.dispatch(supervisor.TeardownSession{Session: m.selected})

	case key.Matches(msg, m.keys.Next):
		m.cycle(1)
	case key.Matches(msg, m.keys.Prev):
		m.cycle(-1)

	case key.Matches(msg, m.keys.Up):
		m.logPane.ScrollUp(1)
	case key.Matches(msg, m.keys.Down):
		m.logPane.ScrollDown(1)
	case key.Matches(msg, m.keys.PageUp):
		m.logPane.ScrollUp(m.logHeight())
	case key.Matches(msg, m.keys.PageDown):
		m.logPane.ScrollDown(m.logHeight())
	case key.Matches(msg, m.keys.Bottom):
		m.logPane.GotoBottom()
	}
	return m, nil
}

// command dispatches kind against the selected session. Reload and restart
// need a running app.
func (m *Model) command(kind supervisor.CommandKind) tea.Cmd {
	s, ok := m.registry.Get(m.selected)
	if !ok {
		return nil
	}
	if kind == supervisor.Reload || kind == supervisor.Restart {
		if s.Phase() != session.Running {
			m.statusBar.Notice = fmt.Sprintf("cannot %s while %s", kind, s.Phase())
			return nil
		}
	}
	if kind == supervisor.Stop && s.Phase().IsTerminal() {
		return nil
	}
	return m.dispatch(supervisor.RunCommand{Session: m.selected, Kind: kind})
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	m.statusBar.Notice = "shutting down"
	d := m.d
	timeout := m.cfg.Supervisor.ShutdownTimeout
	return m, func() tea.Msg {
		d.RequestShutdown()
		return shutdownDoneMsg{report: d.AwaitAll(timeout)}
	}
}

func (m *Model) cycle(step int) {
	ids := m.registry.IDs()
	if len(ids) == 0 {
		return
	}
	idx := 0
	for i, id := range ids {
		if id == m.selected {
			idx = i
			break
		}
	}
	idx = (idx + step + len(ids)) % len(ids)
	m.selected = ids[idx]
	m.logPane.GotoBottom()
	m.refresh()
}

// refresh copies session state into the views.
func (m *Model) refresh() {
	if _, ok := m.registry.Get(m.selected); !ok {
		m.selected = 0
		if ids := m.registry.IDs(); len(ids) > 0 {
			m.selected = ids[0]
		}
	}

	all := m.registry.All()
	snaps := make([]session.Snapshot, len(all))
	for i, s := range all {
		snaps[i] = s.Snapshot()
	}
	m.statusBar.SetSessions(snaps, m.selected)
	m.statusBar.Watching = m.watching[m.selected]

	if s, ok := m.registry.Get(m.selected); ok {
		m.logPane.SetEntries(s.Logs())
	} else {
		m.logPane.SetEntries(nil)
	}
}

func (m Model) logHeight() int {
	// tabs, bordered status bar, footer
	return m.height - 5
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showHelp {
		return help.View(m.keys.Bindings(), m.width)
	}

	footer := "  r:reload  R:restart  s:stop  c:clear  n:new  x:close  tab:switch  ?:help  q:quit"
	if m.quitting {
		footer = "  shutting down..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.logPane.View(),
		theme.StyleDimmed.Render(footer),
	)
}

// Selected returns the session the commands act on.
func (m Model) Selected() session.ID {
	return m.selected
}

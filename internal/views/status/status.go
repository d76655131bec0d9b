package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/telemetry"
	"github.com/agent-racer/pitwall/internal/theme"
)

// Model holds the session tabs and the status line of the selected session.
type Model struct {
	Sessions []session.Snapshot
	Selected session.ID
	Watching bool
	Notice   string
	Width    int
}

func New() Model {
	return Model{}
}

// SetSessions replaces the rendered sessions.
func (m *Model) SetSessions(snaps []session.Snapshot, selected session.ID) {
	m.Sessions = snaps
	m.Selected = selected
}

func (m Model) selected() (session.Snapshot, bool) {
	for _, s := range m.Sessions {
		if s.ID == m.Selected {
			return s, true
		}
	}
	return session.Snapshot{}, false
}

// View renders the tab row and the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.tabs(), m.bar(width))
}

func (m Model) tabs() string {
	if len(m.Sessions) == 0 {
		return theme.StyleDimmed.Render("  no sessions  (n: start one)")
	}
	parts := make([]string, 0, len(m.Sessions))
	for _, s := range m.Sessions {
		phase := s.Phase.String()
		label := fmt.Sprintf("%s %s %s", theme.PhaseGlyph(phase), s.ID, s.Name)
		style := lipgloss.NewStyle().Foreground(theme.PhaseColor(phase)).Padding(0, 1)
		if s.ID == m.Selected {
			style = style.Inherit(theme.StyleSelected)
		}
		parts = append(parts, style.Render(label))
	}
	return strings.Join(parts, theme.StyleDimmed.Render("│"))
}

func (m Model) bar(width int) string {
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")

	s, ok := m.selected()
	if !ok {
		return barStyle(width).Render(theme.StyleDimmed.Render("idle"))
	}

	phase := s.Phase.String()
	fields := []string{
		lipgloss.NewStyle().Foreground(theme.PhaseColor(phase)).Render(phase),
	}
	if s.PID > 0 {
		fields = append(fields, fmt.Sprintf("pid %d", s.PID))
	}
	if s.ExitCode != nil {
		fields = append(fields, fmt.Sprintf("exit %d", *s.ExitCode))
	}
	if s.Realtime.State != session.RealtimeNone {
		rt := lipgloss.NewStyle().Foreground(theme.RealtimeColor(s.Realtime.State.String()))
		fields = append(fields, rt.Render("vm "+s.Realtime.String()))
	}
	if t := telemetryLine(s.Latest); t != "" {
		fields = append(fields, t)
	}
	if m.Watching {
		fields = append(fields, theme.StyleDimmed.Render("watching"))
	}
	if m.Notice != "" {
		fields = append(fields, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(m.Notice))
	}
	return barStyle(width).Render(strings.Join(fields, sep))
}

// telemetryLine renders whatever part of the latest sample is present.
func telemetryLine(s session.Sample) string {
	var parts []string
	if s.RSS > 0 {
		parts = append(parts, fmt.Sprintf("cpu %.1f%%", s.CPUPercent), "rss "+telemetry.FormatBytes(s.RSS))
	}
	if s.HeapCapacity > 0 {
		parts = append(parts, fmt.Sprintf("heap %s/%s",
			telemetry.FormatBytes(uint64(s.HeapUsage)), telemetry.FormatBytes(uint64(s.HeapCapacity))))
	}
	return strings.Join(parts, "  ")
}

func barStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

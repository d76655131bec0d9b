// Package logs renders a session's log lines in a scrollable pane.
package logs

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/pitwall/internal/session"
	"github.com/agent-racer/pitwall/internal/theme"
)

// Model wraps a viewport. It follows the newest line until the user
// scrolls up, and resumes following once scrolled back to the bottom.
type Model struct {
	vp     viewport.Model
	lines  int
	follow bool
}

func New(width, height int) Model {
	return Model{vp: viewport.New(width, height), follow: true}
}

// SetSize resizes the pane.
func (m *Model) SetSize(width, height int) {
	if height < 1 {
		height = 1
	}
	m.vp.Width = width
	m.vp.Height = height
	if m.follow {
		m.vp.GotoBottom()
	}
}

// SetEntries replaces the pane content.
func (m *Model) SetEntries(entries []session.LogEntry) {
	m.lines = len(entries)
	m.vp.SetContent(render(entries))
	if m.follow {
		m.vp.GotoBottom()
	}
}

func (m *Model) ScrollUp(n int) {
	m.vp.SetYOffset(m.vp.YOffset - n)
	m.follow = m.vp.AtBottom()
}

func (m *Model) ScrollDown(n int) {
	m.vp.SetYOffset(m.vp.YOffset + n)
	m.follow = m.vp.AtBottom()
}

// Following reports whether new lines scroll into view.
func (m Model) Following() bool {
	return m.follow
}

func (m Model) Offset() int {
	return m.vp.YOffset
}

func (m Model) View() string {
	if m.lines == 0 {
		return theme.StyleDimmed.Render("  No output yet.")
	}
	view := m.vp.View()
	if !m.follow {
		view = lipgloss.JoinVertical(lipgloss.Left, view,
			theme.StyleDimmed.Render(fmt.Sprintf(" paused at line %d of %d (G: follow)", m.vp.YOffset+1, m.lines)))
	}
	return view
}

// GotoBottom resumes following.
func (m *Model) GotoBottom() {
	m.vp.GotoBottom()
	m.follow = true
}

func render(entries []session.LogEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		text := lipgloss.NewStyle().Foreground(theme.SourceColor(e.Source)).Render(e.Text)
		if e.Source == "stderr" || e.Source == "pitwall" {
			text = lipgloss.NewStyle().Foreground(theme.SourceColor(e.Source)).Width(6).Render(e.Source) + " " + text
		}
		b.WriteString(ts + " " + text)
	}
	return b.String()
}

// Package help renders the key reference overlay from markdown.
package help

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/pitwall/internal/theme"
)

const intro = `# pitwall

Supervises long-running dev processes. Each tab is one session; commands act
on the selected session.
`

// Markdown builds the help document for the given bindings.
func Markdown(bindings []key.Binding) string {
	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("\n| key | action |\n|---|---|\n")
	for _, k := range bindings {
		h := k.Help()
		if h.Key == "" {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

// Render turns the document into terminal output at width. Rendering
// problems fall back to the plain markdown.
func Render(bindings []key.Binding, width int) string {
	md := Markdown(bindings)
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// View renders the overlay panel.
func View(bindings []key.Binding, width int) string {
	inner := width - 4
	body := Render(bindings, inner-4)
	footer := theme.StyleDimmed.Render("esc/?: close")
	return theme.StyleBorder.
		Width(inner).
		Padding(0, 1).
		Render(lipgloss.JoinVertical(lipgloss.Left, body, footer))
}

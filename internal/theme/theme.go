// Package theme provides the Lip Gloss color palette and reusable styles
// for the pitwall TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Phase colors.
var (
	ColorStarting   = lipgloss.Color("#7c3aed")
	ColorRunning    = lipgloss.Color("#16a34a")
	ColorReloading  = lipgloss.Color("#2563eb")
	ColorRestarting = lipgloss.Color("#d97706")
	ColorStopped    = lipgloss.Color("#6b7280")
)

// Log source colors.
var (
	ColorStdout = lipgloss.Color("#e5e7eb")
	ColorStderr = lipgloss.Color("#f87171")
	ColorApp    = lipgloss.Color("#06b6d4")
	ColorSystem = lipgloss.Color("#a855f7")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// PhaseColor returns the color for a session phase name.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "starting":
		return ColorStarting
	case "running":
		return ColorRunning
	case "reloading":
		return ColorReloading
	case "restarting":
		return ColorRestarting
	case "stopped":
		return ColorStopped
	default:
		return ColorDefault
	}
}

// PhaseGlyph returns a single-cell marker for a phase.
func PhaseGlyph(phase string) string {
	switch phase {
	case "starting":
		return "◎"
	case "running":
		return "●"
	case "reloading", "restarting":
		return "↻"
	case "stopped":
		return "○"
	default:
		return "·"
	}
}

// RealtimeColor returns the color for a realtime connection state name.
func RealtimeColor(state string) lipgloss.Color {
	switch state {
	case "connected":
		return ColorHealthy
	case "connecting", "reconnecting":
		return ColorWarning
	case "disconnected":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// SourceColor returns the color for a log line source.
func SourceColor(source string) lipgloss.Color {
	switch source {
	case "stdout":
		return ColorStdout
	case "stderr":
		return ColorStderr
	case "app":
		return ColorApp
	case "pitwall":
		return ColorSystem
	default:
		return ColorDefault
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright).
			Underline(true)
)

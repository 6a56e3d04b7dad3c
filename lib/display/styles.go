package display

import (
	"github.com/charmbracelet/lipgloss"
)

// Styles holds all the styles for the display.
var styles = struct {
	Title       lipgloss.Style
	TabActive   lipgloss.Style
	TabInactive lipgloss.Style
	HelpText    lipgloss.Style
	StatusText  lipgloss.Style
	Error       lipgloss.Style
	Success     lipgloss.Style
	Warning     lipgloss.Style
	TableHeader lipgloss.Style
	TableRow    lipgloss.Style
	Selected    lipgloss.Style
	Muted       lipgloss.Style
	Bold        lipgloss.Style
	Box         lipgloss.Style
	BoxTitle    lipgloss.Style
	GaugeFill   lipgloss.Style
	GaugeEmpty  lipgloss.Style
}{
	Title: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42")).
		Padding(0, 1),

	TabActive: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42")).
		Background(lipgloss.Color("236")).
		Padding(0, 2),

	TabInactive: lipgloss.NewStyle().
		Foreground(lipgloss.Color("250")).
		Padding(0, 2),

	HelpText: lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")),

	StatusText: lipgloss.NewStyle().
		Foreground(lipgloss.Color("244")),

	Error: lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true),

	Success: lipgloss.NewStyle().
		Foreground(lipgloss.Color("82")).
		Bold(true),

	Warning: lipgloss.NewStyle().
		Foreground(lipgloss.Color("214")),

	TableHeader: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")),

	TableRow: lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")),

	Selected: lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Bold(true),

	Muted: lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")),

	Bold: lipgloss.NewStyle().
		Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2),

	BoxTitle: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42")),

	GaugeFill: lipgloss.NewStyle().
		Foreground(lipgloss.Color("82")),

	GaugeEmpty: lipgloss.NewStyle().
		Foreground(lipgloss.Color("238")),
}

// LinkStateStyle returns the style for a link state label.
func LinkStateStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return styles.Success
	case "degraded", "reconnecting":
		return styles.Warning
	case "error":
		return styles.Error
	default:
		return styles.Muted
	}
}

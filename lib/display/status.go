package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-batt/nowlink/lib/diag"
)

// StatusModel is the model for the link status view.
type StatusModel struct {
	report *diag.Report
	width  int
	height int
}

// NewStatusModel creates a new status view model.
func NewStatusModel() StatusModel {
	return StatusModel{}
}

// SetData updates the diagnostics report.
func (m *StatusModel) SetData(report *diag.Report) {
	m.report = report
}

// SetDimensions sets the view dimensions.
func (m *StatusModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
}

// View renders the status view.
func (m StatusModel) View() string {
	if m.report == nil {
		return styles.Muted.Render("Loading status...")
	}

	var b strings.Builder

	linkBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2).
		Width(60)

	linkContent := lipgloss.JoinVertical(lipgloss.Left,
		styles.BoxTitle.Render("Radio Link"),
		"",
		m.statusRow("State", LinkStateStyle(m.report.State).Render(m.report.State)),
		m.statusRow("Peer", m.formatOptional(m.report.Peer)),
		m.statusRow("Channel", fmt.Sprintf("%d", m.report.Channel)),
		m.statusRow("Uptime", m.report.Uptime.Round(time.Second).String()),
	)

	b.WriteString(linkBox.Render(linkContent))
	b.WriteString("\n\n")

	trafficBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2).
		Width(60)

	dropStyle := styles.Muted
	if m.report.QueueDropped > 0 {
		dropStyle = styles.Warning
	}

	trafficContent := lipgloss.JoinVertical(lipgloss.Left,
		styles.BoxTitle.Render("Traffic"),
		"",
		m.statusRow("Queue", fmt.Sprintf("%d queued", m.report.QueueDepth)),
		m.statusRow("Dropped", dropStyle.Render(fmt.Sprintf("%d", m.report.QueueDropped))),
		m.statusRow("Unrouted", fmt.Sprintf("%d", m.report.Unrouted)),
		m.statusRow("Config v", fmt.Sprintf("%d", m.report.ConfigGlobalVersion)),
	)

	b.WriteString(trafficBox.Render(trafficContent))

	if len(m.report.History) > 0 {
		b.WriteString("\n\n")
		b.WriteString(m.renderHistory())
	}

	return b.String()
}

// renderHistory lists the most recent state transitions.
func (m StatusModel) renderHistory() string {
	const show = 5
	hist := m.report.History
	if len(hist) > show {
		hist = hist[len(hist)-show:]
	}

	lines := []string{styles.BoxTitle.Render("Recent Transitions"), ""}
	for _, e := range hist {
		lines = append(lines, fmt.Sprintf("%s  %s → %s",
			styles.Muted.Render(e.At.Format("15:04:05")),
			e.From,
			LinkStateStyle(e.To).Render(e.To),
		))
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2).
		Width(60)
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// statusRow formats a status row with label and value.
func (m StatusModel) statusRow(label, value string) string {
	labelStyle := styles.Muted.Width(12)
	return labelStyle.Render(label+":") + " " + value
}

// formatOptional formats an optional value.
func (m StatusModel) formatOptional(value string) string {
	if value == "" {
		return styles.Muted.Render("(none)")
	}
	return value
}

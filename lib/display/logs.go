package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// LogsModel scrolls through the node's captured log ring. It follows
// the tail by default, the way a serial console would, and drops out of
// follow mode as soon as the user scrolls back.
type LogsModel struct {
	entries  []LogEntry
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	follow   bool
}

// NewLogsModel creates the logs view in follow mode.
func NewLogsModel() LogsModel {
	return LogsModel{follow: true}
}

// SetData replaces the displayed entries with the latest ring contents.
func (m *LogsModel) SetData(entries []LogEntry) {
	m.entries = entries
	if m.ready {
		m.refill()
	}
}

// SetDimensions sets the view dimensions, reserving rows for the header
// and footer lines.
func (m *LogsModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
	if !m.ready {
		m.viewport = viewport.New(width, height-4)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = height - 4
	}
	m.refill()
}

// Update handles scrolling. f toggles follow, g/G jump to the ends.
func (m LogsModel) Update(msg tea.Msg) (LogsModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "f":
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		case "g":
			m.viewport.GotoTop()
			m.follow = false
			return m, nil
		case "G":
			m.viewport.GotoBottom()
			m.follow = true
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	// Scrolling away from the tail suspends follow; scrolling back
	// resumes it.
	m.follow = m.viewport.AtBottom()
	return m, cmd
}

// View renders the logs tab.
func (m LogsModel) View() string {
	if !m.ready {
		return styles.Muted.Render("Initializing...")
	}
	if len(m.entries) == 0 {
		return styles.Muted.Render("No logs captured yet")
	}

	follow := "off"
	if m.follow {
		follow = "on"
	}
	header := styles.Muted.Render(fmt.Sprintf(
		"%d entries | follow %s | (g)top (G)bottom (f)follow",
		len(m.entries), follow,
	))
	footer := styles.Muted.Render(fmt.Sprintf("--- %.0f%% ---", m.viewport.ScrollPercent()*100))

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), footer)
}

// refill rebuilds the viewport content from the entries.
func (m *LogsModel) refill() {
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(styles.Muted.Render(e.Time.Format("15:04:05")))
		b.WriteByte(' ')
		b.WriteString(levelStyle(e.Level).Render(fmt.Sprintf("[%-5s]", e.Level)))
		b.WriteByte(' ')
		b.WriteString(e.Message)
		b.WriteByte('\n')
	}
	m.viewport.SetContent(b.String())
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "ERROR":
		return styles.Error
	case "WARN":
		return styles.Warning
	case "INFO":
		return styles.Success
	case "DEBUG":
		return styles.Muted
	default:
		return lipgloss.NewStyle()
	}
}

package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-batt/nowlink/lib/wire"
)

// StaleAfter is how old a telemetry record may be before the battery
// view flags it.
const StaleAfter = 15 * time.Second

// BatteryModel is the model for the battery view. It renders the last
// SOC/power record received over the link.
type BatteryModel struct {
	data   wire.Data
	at     time.Time
	hasAny bool
	width  int
	height int
}

// NewBatteryModel creates a new battery view model.
func NewBatteryModel() BatteryModel {
	return BatteryModel{}
}

// SetData updates the telemetry record.
func (m *BatteryModel) SetData(d wire.Data, at time.Time, ok bool) {
	if !ok {
		return
	}
	m.data = d
	m.at = at
	m.hasAny = true
}

// SetDimensions sets the view dimensions.
func (m *BatteryModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
}

// View renders the battery view.
func (m BatteryModel) View() string {
	if !m.hasAny {
		return renderEmptyState(m.width, m.height,
			"No Telemetry Yet",
			"Waiting for the first record from the battery.",
			[]string{"The transmitter sends one as soon as the link is up."})
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2).
		Width(60)

	content := lipgloss.JoinVertical(lipgloss.Left,
		styles.BoxTitle.Render("Battery"),
		"",
		m.row("Charge", fmt.Sprintf("%s %3d%%", socGauge(m.data.SOC, 30), m.data.SOC)),
		m.row("Power", m.renderPower()),
		m.row("Updated", m.renderAge()),
	)

	return box.Render(content)
}

// renderPower formats the power reading with flow direction.
func (m BatteryModel) renderPower() string {
	w := m.data.Power
	switch {
	case w < 0:
		return styles.Success.Render(fmt.Sprintf("%d W charging", -w))
	case w > 0:
		return styles.Warning.Render(fmt.Sprintf("%d W discharging", w))
	default:
		return styles.Muted.Render("idle")
	}
}

// renderAge shows how fresh the record is.
func (m BatteryModel) renderAge() string {
	age := time.Since(m.at).Round(time.Second)
	if age > StaleAfter {
		return styles.Error.Render(fmt.Sprintf("%s ago (stale)", age))
	}
	return styles.Muted.Render(fmt.Sprintf("%s ago", age))
}

// row formats a label/value row.
func (m BatteryModel) row(label, value string) string {
	labelStyle := styles.Muted.Width(10)
	return labelStyle.Render(label+":") + " " + value
}

// socGauge renders a fixed-width charge bar.
func socGauge(soc uint8, width int) string {
	if soc > 100 {
		soc = 100
	}
	filled := int(soc) * width / 100
	var b strings.Builder
	b.WriteString(styles.GaugeFill.Render(strings.Repeat("█", filled)))
	b.WriteString(styles.GaugeEmpty.Render(strings.Repeat("░", width-filled)))
	return b.String()
}

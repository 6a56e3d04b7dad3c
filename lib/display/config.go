package display

import (
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-batt/nowlink/lib/wire"
)

// ConfigModel is the model for the synced configuration view. It lists
// the snapshot sections with their version counters; the selected
// section's fields are shown below the table.
type ConfigModel struct {
	snap   wire.Snapshot
	synced bool
	cursor int
	width  int
	height int
}

// NewConfigModel creates a new config view model.
func NewConfigModel() ConfigModel {
	return ConfigModel{}
}

// SetData updates the snapshot. synced is false until the cache has
// installed its first full snapshot.
func (m *ConfigModel) SetData(snap wire.Snapshot, synced bool) {
	m.snap = snap
	m.synced = synced
}

// SetDimensions sets the view dimensions.
func (m *ConfigModel) SetDimensions(width, height int) {
	m.width = width
	m.height = height
}

// Update handles messages for the config view.
func (m ConfigModel) Update(msg tea.KeyMsg) (ConfigModel, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < wire.SectionCount-1 {
			m.cursor++
		}
	}
	return m, nil
}

// View renders the config view.
func (m ConfigModel) View() string {
	if !m.synced {
		return renderEmptyState(m.width, m.height,
			"Configuration Not Synced",
			"Waiting for the full snapshot from the transmitter.",
			[]string{"It is requested automatically once the link is up."})
	}

	var b strings.Builder

	header := fmt.Sprintf("%-12s %-8s %-40s", "SECTION", "VERSION", "SUMMARY")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	for i, sec := 0, wire.SectionMqtt; sec <= wire.SectionSystem; i, sec = i+1, sec+1 {
		row := fmt.Sprintf("%-12s %-8d %-40s",
			sec.String(),
			m.snap.Versions.Of(sec),
			truncate(m.sectionSummary(sec), 40),
		)
		if i == m.cursor {
			row = styles.Selected.Render(row)
		} else {
			row = styles.TableRow.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderDetail(wire.SectionMqtt + wire.Section(m.cursor)))
	b.WriteString("\n")
	b.WriteString(styles.Muted.Render(fmt.Sprintf("Global version: %d", m.snap.Versions.Global)))

	return b.String()
}

// sectionSummary gives the one-line table summary for a section.
func (m ConfigModel) sectionSummary(sec wire.Section) string {
	s := m.snap
	switch sec {
	case wire.SectionMqtt:
		if !s.Mqtt.Enabled {
			return "disabled"
		}
		return fmt.Sprintf("%s:%d", s.Mqtt.Server, s.Mqtt.Port)
	case wire.SectionNetwork:
		if s.Network.UseStatic {
			return fmt.Sprintf("static %s", ipString(s.Network.IP))
		}
		return "dhcp"
	case wire.SectionBattery:
		return fmt.Sprintf("%.1f-%.1f V", float64(s.Battery.MinVoltageDV)/10, float64(s.Battery.MaxVoltageDV)/10)
	case wire.SectionPower:
		return fmt.Sprintf("%d W charge, %d W discharge", s.Power.MaxChargeW, s.Power.MaxDischargeW)
	case wire.SectionInverter:
		return fmt.Sprintf("brand %d model %d", s.Inverter.Brand, s.Inverter.Model)
	case wire.SectionCan:
		return fmt.Sprintf("%d kbps", s.Can.BitrateKbps)
	case wire.SectionContactor:
		return fmt.Sprintf("mode %d", s.Contactor.Mode)
	case wire.SectionSystem:
		return fmt.Sprintf("log level %d", s.System.LogLevel)
	default:
		return ""
	}
}

// renderDetail shows every field of the selected section. The MQTT
// password is never rendered.
func (m ConfigModel) renderDetail(sec wire.Section) string {
	s := m.snap
	var rows []string
	switch sec {
	case wire.SectionMqtt:
		rows = []string{
			m.detailRow("Server", s.Mqtt.Server),
			m.detailRow("Port", fmt.Sprintf("%d", s.Mqtt.Port)),
			m.detailRow("Username", s.Mqtt.Username),
			m.detailRow("Client ID", s.Mqtt.ClientID),
			m.detailRow("Prefix", s.Mqtt.TopicPrefix),
			m.detailRow("Enabled", boolString(s.Mqtt.Enabled)),
			m.detailRow("Timeout", fmt.Sprintf("%d ms", s.Mqtt.TimeoutMs)),
		}
	case wire.SectionNetwork:
		rows = []string{
			m.detailRow("Static", boolString(s.Network.UseStatic)),
			m.detailRow("IP", ipString(s.Network.IP)),
			m.detailRow("Gateway", ipString(s.Network.Gateway)),
			m.detailRow("Subnet", ipString(s.Network.Subnet)),
			m.detailRow("DNS", ipString(s.Network.DNS)),
			m.detailRow("Hostname", s.Network.Hostname),
		}
	case wire.SectionBattery:
		rows = []string{
			m.detailRow("Min volt", fmt.Sprintf("%.1f V", float64(s.Battery.MinVoltageDV)/10)),
			m.detailRow("Max volt", fmt.Sprintf("%.1f V", float64(s.Battery.MaxVoltageDV)/10)),
			m.detailRow("Charge volt", fmt.Sprintf("%.1f V", float64(s.Battery.ChargeVoltageDV)/10)),
			m.detailRow("Float volt", fmt.Sprintf("%.1f V", float64(s.Battery.FloatVoltageDV)/10)),
			m.detailRow("Double", boolString(s.Battery.DoubleBattery)),
			m.detailRow("Est. SOC", boolString(s.Battery.UseEstimatedSOC)),
			m.detailRow("Chemistry", fmt.Sprintf("%d", s.Battery.Chemistry)),
		}
	case wire.SectionPower:
		rows = []string{
			m.detailRow("Max charge", fmt.Sprintf("%d W", s.Power.MaxChargeW)),
			m.detailRow("Max discharge", fmt.Sprintf("%d W", s.Power.MaxDischargeW)),
			m.detailRow("Charge limit", fmt.Sprintf("%.1f A", float64(s.Power.ChargeLimitDA)/10)),
			m.detailRow("Discharge limit", fmt.Sprintf("%.1f A", float64(s.Power.DischargeLimitDA)/10)),
		}
	case wire.SectionInverter:
		rows = []string{
			m.detailRow("Brand", fmt.Sprintf("%d", s.Inverter.Brand)),
			m.detailRow("Model", fmt.Sprintf("%d", s.Inverter.Model)),
			m.detailRow("Protocol", fmt.Sprintf("%d", s.Inverter.Protocol)),
			m.detailRow("Voltage", fmt.Sprintf("%.1f V", float64(s.Inverter.VoltageLevelDV)/10)),
			m.detailRow("Capacity", fmt.Sprintf("%d Ah", s.Inverter.CapacityAh)),
			m.detailRow("Type", fmt.Sprintf("%d", s.Inverter.BatteryType)),
		}
	case wire.SectionCan:
		rows = []string{
			m.detailRow("Bitrate", fmt.Sprintf("%d kbps", s.Can.BitrateKbps)),
			m.detailRow("TX interval", fmt.Sprintf("%d ms", s.Can.TxIntervalMs)),
			m.detailRow("Node ID", fmt.Sprintf("%d", s.Can.NodeID)),
			m.detailRow("Heartbeat", fmt.Sprintf("%d ms", s.Can.HeartbeatMs)),
		}
	case wire.SectionContactor:
		rows = []string{
			m.detailRow("Mode", fmt.Sprintf("%d", s.Contactor.Mode)),
			m.detailRow("Invert", boolString(s.Contactor.Invert)),
			m.detailRow("Delay", fmt.Sprintf("%d ms", s.Contactor.DelayMs)),
		}
	case wire.SectionSystem:
		rows = []string{
			m.detailRow("LED mode", fmt.Sprintf("%d", s.System.LEDMode)),
			m.detailRow("Web", boolString(s.System.WebEnabled)),
			m.detailRow("Log level", fmt.Sprintf("%d", s.System.LogLevel)),
		}
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(1, 2).
		Width(60)
	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{styles.BoxTitle.Render(sec.String()), ""}, rows...)...)
	return box.Render(content)
}

// detailRow formats a field row in the detail box.
func (m ConfigModel) detailRow(label, value string) string {
	labelStyle := styles.Muted.Width(16)
	if value == "" {
		value = styles.Muted.Render("(not set)")
	}
	return labelStyle.Render(label+":") + " " + value
}

func boolString(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func ipString(ip [4]byte) string {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
}

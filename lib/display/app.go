// Package display provides the receiver's terminal dashboard. It uses
// BubbleTea for the application framework and reads directly from the
// running node: live battery telemetry, link status, the synced
// configuration snapshot, and captured logs.
package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-batt/nowlink/lib/configsync"
	"github.com/go-batt/nowlink/lib/diag"
	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/node"
	"github.com/go-batt/nowlink/lib/wire"
)

// DefaultRefreshInterval is how often the dashboard polls the node.
const DefaultRefreshInterval = time.Second

// Source is the node-side data the dashboard renders. *node.Node
// satisfies it.
type Source interface {
	Diag() diag.Report
	Cache() *configsync.Cache
	Telemetry() (wire.Data, time.Time, bool)
}

var _ Source = (*node.Node)(nil)

// Tab represents a UI tab.
type Tab int

const (
	TabBattery Tab = iota
	TabStatus
	TabConfig
	TabLogs
)

const tabCount = 4

func (t Tab) String() string {
	switch t {
	case TabBattery:
		return "Battery"
	case TabStatus:
		return "Status"
	case TabConfig:
		return "Config"
	case TabLogs:
		return "Logs"
	default:
		return "Unknown"
	}
}

// Config holds dashboard configuration.
type Config struct {
	// Source is the running node.
	Source Source
	// Logs is the buffer the logs tab reads. Optional.
	Logs *LogBuffer
	// RefreshInterval is how often to poll the node.
	RefreshInterval time.Duration
}

// Model is the main dashboard application model.
type Model struct {
	source  Source
	logs    *LogBuffer
	refresh time.Duration

	activeTab   Tab
	width       int
	height      int
	ready       bool
	err         error
	lastRefresh time.Time

	report *diag.Report

	spinner     spinner.Model
	batteryView BatteryModel
	statusView  StatusModel
	configView  ConfigModel
	logsView    LogsModel
}

// New creates a new dashboard model.
func New(cfg Config) (*Model, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: display source is required", apperrors.ErrInvalidInput)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	return &Model{
		source:      cfg.Source,
		logs:        cfg.Logs,
		refresh:     cfg.RefreshInterval,
		activeTab:   TabBattery,
		spinner:     s,
		batteryView: NewBatteryModel(),
		statusView:  NewStatusModel(),
		configView:  NewConfigModel(),
		logsView:    NewLogsModel(),
	}, nil
}

// Init initializes the dashboard model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.refreshData,
		tea.SetWindowTitle("nowlink"),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Global keys
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Tab):
			m.activeTab = Tab((int(m.activeTab) + 1) % tabCount)
		case key.Matches(msg, keys.ShiftTab):
			m.activeTab = Tab((int(m.activeTab) + tabCount - 1) % tabCount)
		case key.Matches(msg, keys.Refresh):
			cmds = append(cmds, m.refreshData)
		case key.Matches(msg, keys.Battery):
			m.activeTab = TabBattery
		case key.Matches(msg, keys.Status):
			m.activeTab = TabStatus
		case key.Matches(msg, keys.Config):
			m.activeTab = TabConfig
		case key.Matches(msg, keys.Logs):
			m.activeTab = TabLogs
		}

		// Pass to active view
		switch m.activeTab {
		case TabConfig:
			var cmd tea.Cmd
			m.configView, cmd = m.configView.Update(msg)
			cmds = append(cmds, cmd)
		case TabLogs:
			var cmd tea.Cmd
			m.logsView, cmd = m.logsView.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		// Update view dimensions
		contentHeight := m.height - 4 // Header + footer
		m.batteryView.SetDimensions(m.width, contentHeight)
		m.statusView.SetDimensions(m.width, contentHeight)
		m.configView.SetDimensions(m.width, contentHeight)
		m.logsView.SetDimensions(m.width, contentHeight)

	case refreshMsg:
		m.report = &msg.report
		m.err = msg.err
		m.lastRefresh = time.Now()
		// Update views with new data
		m.batteryView.SetData(msg.data, msg.dataAt, msg.hasData)
		m.statusView.SetData(&msg.report)
		m.configView.SetData(msg.snap, msg.synced)
		m.logsView.SetData(msg.logs)
		// Schedule next refresh
		cmds = append(cmds, tea.Tick(m.refresh, func(t time.Time) tea.Msg {
			return tickMsg(t)
		}))

	case tickMsg:
		cmds = append(cmds, m.refreshData)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("%s Loading...", m.spinner.View())
	}

	var b strings.Builder

	// Header with tabs
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	// Content area
	switch m.activeTab {
	case TabBattery:
		b.WriteString(m.batteryView.View())
	case TabStatus:
		b.WriteString(m.statusView.View())
	case TabConfig:
		b.WriteString(m.configView.View())
	case TabLogs:
		b.WriteString(m.logsView.View())
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

// renderHeader renders the tab bar.
func (m Model) renderHeader() string {
	tabs := []Tab{TabBattery, TabStatus, TabConfig, TabLogs}

	var renderedTabs []string
	for _, tab := range tabs {
		style := styles.TabInactive
		if tab == m.activeTab {
			style = styles.TabActive
		}
		renderedTabs = append(renderedTabs, style.Render(tab.String()))
	}

	title := styles.Title.Render("nowlink")
	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, renderedTabs...)

	return lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", tabBar)
}

// renderFooter renders the help text.
func (m Model) renderFooter() string {
	var helpItems []string

	// Tab-specific help
	switch m.activeTab {
	case TabConfig:
		helpItems = append(helpItems, "↑↓ section")
	case TabLogs:
		helpItems = append(helpItems, "↑↓ scroll", "f follow")
	}

	// Global help
	helpItems = append(helpItems, "tab switch", "r refresh", "q quit")

	help := strings.Join(helpItems, " • ")

	// Status info
	var statusInfo string
	if m.report != nil {
		statusInfo = fmt.Sprintf("Link: %s | ch %d",
			LinkStateStyle(m.report.State).Render(m.report.State), m.report.Channel)
	}
	if m.err != nil {
		statusInfo = styles.Error.Render(m.err.Error())
	}

	footer := lipgloss.JoinHorizontal(
		lipgloss.Top,
		styles.HelpText.Render(help),
		strings.Repeat(" ", max(0, m.width-lipgloss.Width(help)-lipgloss.Width(statusInfo)-2)),
		styles.StatusText.Render(statusInfo),
	)

	return footer
}

// refreshData polls the node.
func (m Model) refreshData() tea.Msg {
	msg := refreshMsg{report: m.source.Diag()}

	msg.data, msg.dataAt, msg.hasData = m.source.Telemetry()

	if c := m.source.Cache(); c != nil {
		if snap, err := c.Snapshot(); err == nil {
			msg.snap = snap
			msg.synced = true
		}
	}

	if m.logs != nil {
		msg.logs = m.logs.Entries()
	}

	return msg
}

// Messages

type refreshMsg struct {
	report  diag.Report
	data    wire.Data
	dataAt  time.Time
	hasData bool
	snap    wire.Snapshot
	synced  bool
	logs    []LogEntry
	err     error
}

type tickMsg time.Time

type errMsg struct {
	err error
}

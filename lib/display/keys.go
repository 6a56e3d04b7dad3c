package display

import (
	"github.com/charmbracelet/bubbles/key"
)

// KeyMap defines the keybindings for the display.
type KeyMap struct {
	Quit     key.Binding
	Tab      key.Binding
	ShiftTab key.Binding
	Refresh  key.Binding
	Up       key.Binding
	Down     key.Binding
	Battery  key.Binding
	Status   key.Binding
	Config   key.Binding
	Logs     key.Binding
	Help     key.Binding
}

var keys = KeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Tab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next tab"),
	),
	ShiftTab: key.NewBinding(
		key.WithKeys("shift+tab"),
		key.WithHelp("shift+tab", "prev tab"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Battery: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1", "battery"),
	),
	Status: key.NewBinding(
		key.WithKeys("2"),
		key.WithHelp("2", "status"),
	),
	Config: key.NewBinding(
		key.WithKeys("3"),
		key.WithHelp("3", "config"),
	),
	Logs: key.NewBinding(
		key.WithKeys("4"),
		key.WithHelp("4", "logs"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
}

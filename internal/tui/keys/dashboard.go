package keys

import "github.com/charmbracelet/bubbles/key"

// DashboardKeys are the bindings of the probe dashboard.
type DashboardKeys struct {
	CommonKeys
	Flash      key.Binding
	Submit     key.Binding
	Clear      key.Binding
	Timestamps key.Binding
	Follow     key.Binding
	ScrollUp   key.Binding
	ScrollDown key.Binding
	Up         key.Binding
	Down       key.Binding
}

func NewDashboardKeys() DashboardKeys {
	return DashboardKeys{
		CommonKeys: NewCommonKeys(),
		Flash: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "flash device"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "start flash"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear view"),
		),
		Timestamps: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "toggle timestamps"),
		),
		Follow: key.NewBinding(
			key.WithKeys("G"),
			key.WithHelp("G", "follow output"),
		),
		ScrollUp: key.NewBinding(
			key.WithKeys("pgup", "ctrl+u"),
			key.WithHelp("pgup", "scroll up"),
		),
		ScrollDown: key.NewBinding(
			key.WithKeys("pgdown", "ctrl+d"),
			key.WithHelp("pgdn", "scroll down"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "previous device"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "next device"),
		),
	}
}

func (k DashboardKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.Flash, k.Follow, k.Quit}
}

func (k DashboardKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.ScrollUp, k.ScrollDown},
		{k.Flash, k.Submit, k.Escape},
		{k.Clear, k.Timestamps, k.Follow},
		{k.Help, k.Quit},
	}
}

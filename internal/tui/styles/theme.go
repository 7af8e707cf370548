package styles

import (
	"github.com/allbin/probemon/internal/broadcast"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/tui/colors"
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the dashboard styles for one palette.
type Theme struct {
	Palette colors.Palette

	Title         lipgloss.Style
	ContentBorder lipgloss.Style
	Input         lipgloss.Style
	InputActive   lipgloss.Style
	Error         lipgloss.Style
	Info          lipgloss.Style
	Muted         lipgloss.Style
	Timestamp     lipgloss.Style
	TableHeader   lipgloss.Style
	TableCursor   lipgloss.Style
	StatusBar     lipgloss.Style
	Divider       lipgloss.Style
}

// New builds a theme from a palette.
func New(p colors.Palette) Theme {
	return Theme{
		Palette: p,
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(p.Mauve).
			Background(p.Surface0).
			Padding(0, 1),
		ContentBorder: lipgloss.NewStyle().
			BorderTop(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(p.Surface1),
		Input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(p.Surface2).
			Padding(0, 1),
		InputActive: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(p.Peach).
			Padding(0, 1),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(p.Red),
		Info: lipgloss.NewStyle().
			Bold(true).
			Foreground(p.Mauve),
		Muted:     lipgloss.NewStyle().Foreground(p.Overlay0),
		Timestamp: lipgloss.NewStyle().Foreground(p.Subtext0),
		TableHeader: lipgloss.NewStyle().
			Bold(true).
			Foreground(p.Text),
		TableCursor: lipgloss.NewStyle().
			Foreground(p.Text).
			Background(p.Surface1),
		StatusBar: lipgloss.NewStyle().
			Foreground(p.Text).
			Background(p.Surface0),
		Divider: lipgloss.NewStyle().
			Foreground(p.Surface2).
			Padding(0, 1),
	}
}

// Default is the Mocha theme.
var Default = New(colors.Mocha)

// State styles a device state label.
func (t Theme) State(s device.State) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s {
	case device.StateCapturing:
		return base.Foreground(t.Palette.Green)
	case device.StatePaused, device.StateDiscovered:
		return base.Foreground(t.Palette.Yellow)
	case device.StateFlashing:
		return base.Foreground(t.Palette.Peach)
	case device.StateError:
		return base.Foreground(t.Palette.Red)
	default:
		return base.Foreground(t.Palette.Overlay0)
	}
}

// StateGlyph is the one-character indicator shown next to a device.
func StateGlyph(s device.State) string {
	switch s {
	case device.StateCapturing:
		return "●"
	case device.StateFlashing:
		return "⚡"
	case device.StateError:
		return "✗"
	default:
		return "○"
	}
}

// Kind styles the marker of an event kind.
func (t Theme) Kind(k broadcast.Kind) lipgloss.Style {
	switch k {
	case broadcast.KindFlash:
		return lipgloss.NewStyle().Foreground(t.Palette.Peach).Bold(true)
	case broadcast.KindStatus:
		return lipgloss.NewStyle().Foreground(t.Palette.Mauve).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(t.Palette.Sky)
	}
}

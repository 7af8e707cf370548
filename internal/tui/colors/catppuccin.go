package colors

import "github.com/charmbracelet/lipgloss"

// Palette is the subset of a Catppuccin flavor the dashboard draws with.
type Palette struct {
	Base     lipgloss.Color
	Surface0 lipgloss.Color
	Surface1 lipgloss.Color
	Surface2 lipgloss.Color
	Overlay0 lipgloss.Color
	Subtext0 lipgloss.Color
	Subtext1 lipgloss.Color
	Text     lipgloss.Color

	Blue   lipgloss.Color
	Sky    lipgloss.Color
	Teal   lipgloss.Color
	Green  lipgloss.Color
	Yellow lipgloss.Color
	Peach  lipgloss.Color
	Red    lipgloss.Color
	Mauve  lipgloss.Color
}

// Mocha is the dark flavor.
var Mocha = Palette{
	Base:     lipgloss.Color("#1e1e2e"),
	Surface0: lipgloss.Color("#313244"),
	Surface1: lipgloss.Color("#45475a"),
	Surface2: lipgloss.Color("#585b70"),
	Overlay0: lipgloss.Color("#6c7086"),
	Subtext0: lipgloss.Color("#a6adc8"),
	Subtext1: lipgloss.Color("#bac2de"),
	Text:     lipgloss.Color("#cdd6f4"),

	Blue:   lipgloss.Color("#89b4fa"),
	Sky:    lipgloss.Color("#89dceb"),
	Teal:   lipgloss.Color("#94e2d5"),
	Green:  lipgloss.Color("#a6e3a1"),
	Yellow: lipgloss.Color("#f9e2af"),
	Peach:  lipgloss.Color("#fab387"),
	Red:    lipgloss.Color("#f38ba8"),
	Mauve:  lipgloss.Color("#cba6f7"),
}

// Latte is the light flavor.
var Latte = Palette{
	Base:     lipgloss.Color("#eff1f5"),
	Surface0: lipgloss.Color("#ccd0da"),
	Surface1: lipgloss.Color("#bcc0cc"),
	Surface2: lipgloss.Color("#acb0be"),
	Overlay0: lipgloss.Color("#9ca0b0"),
	Subtext0: lipgloss.Color("#6c6f85"),
	Subtext1: lipgloss.Color("#5c5f77"),
	Text:     lipgloss.Color("#4c4f69"),

	Blue:   lipgloss.Color("#1e66f5"),
	Sky:    lipgloss.Color("#04a5e5"),
	Teal:   lipgloss.Color("#179299"),
	Green:  lipgloss.Color("#40a02b"),
	Yellow: lipgloss.Color("#df8e1d"),
	Peach:  lipgloss.Color("#fe640b"),
	Red:    lipgloss.Color("#d20f39"),
	Mauve:  lipgloss.Color("#8839ef"),
}

// Flavor returns the palette for a flavor name. Unknown names get Mocha.
func Flavor(name string) Palette {
	if name == "latte" || name == "light" {
		return Latte
	}
	return Mocha
}

package components

import (
	"fmt"
	"time"

	"github.com/allbin/probemon/internal/capture"
	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/internal/tui/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

type StatusBar struct {
	theme   styles.Theme
	width   int
	devices int

	device    device.Snapshot
	hasDevice bool
	stats     capture.Stats
	following bool

	message string
	err     error
}

func NewStatusBar(theme styles.Theme) *StatusBar {
	return &StatusBar{theme: theme, message: "Scanning for probes..."}
}

func (sb *StatusBar) SetWidth(width int) {
	sb.width = width
}

func (sb *StatusBar) SetDeviceCount(n int) {
	sb.devices = n
}

func (sb *StatusBar) SetDevice(s device.Snapshot, stats capture.Stats) {
	sb.device = s
	sb.stats = stats
	sb.hasDevice = true
}

func (sb *StatusBar) ClearDevice() {
	sb.device = device.Snapshot{}
	sb.stats = capture.Stats{}
	sb.hasDevice = false
}

func (sb *StatusBar) SetFollowing(following bool) {
	sb.following = following
}

// SetMessage shows a transient message. A non-nil err renders it as an error.
func (sb *StatusBar) SetMessage(msg string, err error) {
	sb.message = msg
	sb.err = err
}

func (sb *StatusBar) Message() string {
	if sb.err != nil {
		return fmt.Sprintf("%s: %v", sb.message, sb.err)
	}
	return sb.message
}

// View renders the bar: mode, device and state on the left, capture
// counters and the clock on the right.
func (sb *StatusBar) View(mode string, now time.Time) string {
	width := sb.width
	if width <= 0 {
		width = 80
	}
	p := sb.theme.Palette

	modeBg := p.Blue
	if mode != "NORMAL" {
		modeBg = p.Peach
	}
	modeView := lipgloss.NewStyle().
		Foreground(p.Base).
		Background(modeBg).
		Bold(true).
		Padding(0, 1).
		Render(mode)

	var deviceView string
	if sb.hasDevice {
		name := lipgloss.NewStyle().Foreground(p.Mauve).Bold(true).Padding(0, 1).Render(sb.device.ID)
		state := sb.theme.State(sb.device.State).Render(styles.StateGlyph(sb.device.State) + " " + sb.device.State.String())
		deviceView = lipgloss.JoinHorizontal(lipgloss.Left, name, state)
	} else {
		deviceView = lipgloss.NewStyle().Foreground(p.Overlay0).Padding(0, 1).Render("no device")
	}

	divider := sb.theme.Divider.Render("│")

	var msgView string
	if msg := sb.Message(); msg != "" {
		style := lipgloss.NewStyle().Foreground(p.Subtext1).Padding(0, 1)
		if sb.err != nil {
			style = style.Foreground(p.Red).Bold(true)
		}
		msgView = style.Render(msg)
	}

	left := lipgloss.JoinHorizontal(lipgloss.Left, modeView, deviceView, divider, msgView)

	counters := fmt.Sprintf("%d probes", sb.devices)
	if sb.hasDevice {
		counters = fmt.Sprintf("%s  %s lines  %s",
			humanize.Bytes(sb.stats.BytesRead),
			humanize.Comma(int64(sb.stats.Lines)),
			counters)
		if sb.stats.Overruns > 0 {
			counters = fmt.Sprintf("%s overruns  %s", humanize.Comma(int64(sb.stats.Overruns)), counters)
		}
	}
	if !sb.following {
		counters = "paused view  " + counters
	}
	countersView := lipgloss.NewStyle().Foreground(p.Subtext0).Padding(0, 1).Render(counters)
	clock := lipgloss.NewStyle().Foreground(p.Subtext1).Padding(0, 1).Render(now.Format("15:04:05"))
	right := lipgloss.JoinHorizontal(lipgloss.Left, countersView, divider, clock)

	spacerWidth := width - lipgloss.Width(left) - lipgloss.Width(right)
	if spacerWidth < 1 {
		spacerWidth = 1
	}
	spacer := lipgloss.NewStyle().Width(spacerWidth).Render("")

	content := lipgloss.JoinHorizontal(lipgloss.Left, left, spacer, right)
	return sb.theme.StatusBar.Width(width).Render(content)
}

package components

import (
	"errors"
	"fmt"
	"strings"

	"github.com/allbin/probemon/internal/tui/styles"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxPromptHistory = 100

// FlashPrompt reads "<image.hex> [pack]" for a flash request.
type FlashPrompt struct {
	textInput    textinput.Model
	theme        styles.Theme
	history      []string
	historyIndex int
	currentInput string // input being typed before history navigation
	width        int
	packs        []string
}

func NewFlashPrompt(theme styles.Theme) *FlashPrompt {
	ti := textinput.New()
	ti.Placeholder = "path/to/image.hex [pack]"
	ti.CharLimit = 512
	ti.Prompt = ""

	return &FlashPrompt{
		textInput:    ti,
		theme:        theme,
		historyIndex: -1,
	}
}

func (p *FlashPrompt) SetWidth(width int) {
	p.width = width
	// border(2) + padding(2) + prompt(2)
	usable := width - 6
	if usable < 20 {
		usable = 20
	}
	p.textInput.Width = usable
}

// SetPacks sets the pack names shown as a hint.
func (p *FlashPrompt) SetPacks(packs []string) {
	p.packs = packs
}

func (p *FlashPrompt) Focus() tea.Cmd {
	return p.textInput.Focus()
}

func (p *FlashPrompt) Blur() {
	p.textInput.Blur()
}

func (p *FlashPrompt) Focused() bool {
	return p.textInput.Focused()
}

func (p *FlashPrompt) Value() string {
	return p.textInput.Value()
}

func (p *FlashPrompt) SetValue(v string) {
	p.textInput.SetValue(v)
}

func (p *FlashPrompt) Reset() {
	p.textInput.Reset()
	p.historyIndex = -1
	p.currentInput = ""
}

func (p *FlashPrompt) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	p.textInput, cmd = p.textInput.Update(msg)
	return cmd
}

func (p *FlashPrompt) View(deviceID string) string {
	label := lipgloss.NewStyle().
		Foreground(p.theme.Palette.Peach).
		Bold(true).
		Render("⚡ " + deviceID)

	content := lipgloss.JoinHorizontal(lipgloss.Left, label, " ", p.textInput.View())
	if len(p.packs) > 0 {
		hint := p.theme.Muted.Render("  packs: " + strings.Join(p.packs, " "))
		content = lipgloss.JoinHorizontal(lipgloss.Left, content, hint)
	}

	width := p.width - 4
	if width < 10 {
		width = 10
	}
	style := p.theme.Input
	if p.Focused() {
		style = p.theme.InputActive
	}
	return style.Width(width).Render(content)
}

// AddToHistory records a submitted value, skipping blanks and repeats.
func (p *FlashPrompt) AddToHistory(value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if len(p.history) > 0 && p.history[len(p.history)-1] == value {
		return
	}
	p.history = append(p.history, value)
	if len(p.history) > maxPromptHistory {
		p.history = p.history[1:]
	}
	p.historyIndex = -1
	p.currentInput = ""
}

func (p *FlashPrompt) NavigateHistoryUp() {
	if len(p.history) == 0 {
		return
	}
	if p.historyIndex == -1 {
		p.currentInput = p.textInput.Value()
		p.historyIndex = len(p.history) - 1
	} else if p.historyIndex > 0 {
		p.historyIndex--
	}
	p.textInput.SetValue(p.history[p.historyIndex])
}

func (p *FlashPrompt) NavigateHistoryDown() {
	if len(p.history) == 0 || p.historyIndex == -1 {
		return
	}
	if p.historyIndex < len(p.history)-1 {
		p.historyIndex++
		p.textInput.SetValue(p.history[p.historyIndex])
		return
	}
	p.historyIndex = -1
	p.textInput.SetValue(p.currentInput)
	p.currentInput = ""
}

var errEmptyImage = errors.New("image path required")

// ParseFlashInput splits prompt input into an image path and optional pack.
func ParseFlashInput(s string) (image, pack string, err error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return "", "", errEmptyImage
	case 1:
		return fields[0], "", nil
	case 2:
		return fields[0], fields[1], nil
	default:
		return "", "", fmt.Errorf("expected <image> [pack], got %d arguments", len(fields))
	}
}

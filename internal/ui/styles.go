// Package ui renders terminal output for the todosync CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Adaptive colors pick a readable shade for light and dark terminals.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#005f87", Dark: "#5fafff"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#007a3d", Dark: "#5fd787"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#a35c00", Dark: "#ffaf5f"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#b00020", Dark: "#ff5f5f"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6c6c6c", Dark: "#8a8a8a"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	doneStyle   = lipgloss.NewStyle().Foreground(ColorMuted).Strikethrough(true)

	priorityStyles = map[byte]lipgloss.Style{
		'A': lipgloss.NewStyle().Foreground(ColorFail).Bold(true),
		'B': lipgloss.NewStyle().Foreground(ColorWarn),
		'C': lipgloss.NewStyle().Foreground(ColorAccent),
	}
)

func init() {
	SetColor(ShouldUseColor())
}

// ShouldUseColor honors NO_COLOR and CLICOLOR_FORCE, then falls back to
// whether stdout is a color-capable terminal.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	return termenv.NewOutput(os.Stdout).Profile != termenv.Ascii
}

// SetColor turns styling on or off for every Render function.
func SetColor(on bool) {
	if on {
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderDone styles a completed task line.
func RenderDone(s string) string { return doneStyle.Render(s) }

// RenderPriority styles a task line by its priority letter. Priorities
// below C and tasks without one are left plain.
func RenderPriority(priority byte, s string) string {
	if st, ok := priorityStyles[priority]; ok {
		return st.Render(s)
	}
	return s
}

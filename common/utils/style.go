package utils

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

var (
	RedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc0000"))
	YellowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#cc9500"))
	GreenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06cc00"))
)

// Check renders a green check mark, used to flag a satisfied condition in log messages.
func Check() string {
	return GreenStyle.Render("[✓]")
}

// Cross renders a red cross, used to flag an unsatisfied condition in log messages.
func Cross() string {
	return RedStyle.Render("[✗]")
}
